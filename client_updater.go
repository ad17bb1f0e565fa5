package scopesim

// Contain the ClientUpdater object, which publishes JSON-encoded messages
// giving the latest scopesim state.

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pebbe/zmq4"
)

// ClientUpdate carries the messages to be published on the status port.
type ClientUpdate struct {
	Tag   string
	State any
}

// Tags of the status messages.
const (
	TagStatus   = "STATUS"
	TagTimebase = "TIMEBASE"
	TagChannel  = "CHANNEL"
	TagAlive    = "ALIVE"
)

// Heartbeat is the message body published under TagAlive.
type Heartbeat struct {
	Alive   bool
	Uptime  float64 // seconds
	Version string
}

// sendUpdate queues an update without blocking; it is dropped if the updater is behind.
func sendUpdate(updates chan<- ClientUpdate, tag string, state any) {
	if updates == nil {
		return
	}
	select {
	case updates <- ClientUpdate{Tag: tag, State: state}:
	default:
		ProblemLogger.Printf("Client update queue full; dropped %s message", tag)
	}
}

// RunClientUpdater forwards any message from its input channel to the ZMQ
// publisher socket, as a 2-frame message of tag and JSON body, to publish
// any information that clients need to know. It also publishes a heartbeat
// every heartbeat interval. It returns when abort is closed.
func RunClientUpdater(messages <-chan ClientUpdate, portstatus int, heartbeat time.Duration,
	abort <-chan struct{}) error {
	hostname := fmt.Sprintf("tcp://*:%d", portstatus)
	pubSocket, err := zmq4.NewSocket(zmq4.PUB)
	if err != nil {
		return err
	}
	defer pubSocket.Close()
	pubSocket.SetLinger(0)
	if err = pubSocket.Bind(hostname); err != nil {
		return fmt.Errorf("could not bind client updater to %s: %w", hostname, err)
	}

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-abort:
			return nil

		case <-ticker.C:
			alive := Heartbeat{Alive: true, Uptime: time.Since(StartTime).Seconds(), Version: Build.Version}
			publishUpdate(pubSocket, ClientUpdate{Tag: TagAlive, State: alive}, false)

		case update := <-messages:
			publishUpdate(pubSocket, update, true)
		}
	}
}

func publishUpdate(pubSocket *zmq4.Socket, update ClientUpdate, logit bool) {
	message, err := json.Marshal(update.State)
	if err != nil {
		ProblemLogger.Printf("Could not encode %s update: %v", update.Tag, err)
		return
	}
	if logit {
		UpdateLogger.Printf("SEND %v %v", update.Tag, string(message))
	}
	if _, err := pubSocket.SendMessage(update.Tag, message); err != nil {
		ProblemLogger.Printf("Could not publish %s update: %v", update.Tag, err)
	}
}
