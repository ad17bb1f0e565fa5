package scopesim

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// PanelCommand is a front-panel request arriving over NATS. Method names a
// ScopeControl method and Params holds its JSON-encoded arguments.
type PanelCommand struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// PanelReply answers a PanelCommand sent as a NATS request.
type PanelReply struct {
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ConnectNATS connects to the NATS server at url, reconnecting forever.
func ConnectNATS(url string) (*nats.Conn, error) {
	return nats.Connect(
		url,
		nats.Name("scopesim"),
		nats.Timeout(3*time.Second),
		nats.ReconnectWait(500*time.Millisecond),
		nats.MaxReconnects(-1),
	)
}

// handlePanelCommand runs one encoded command and returns the encoded reply.
func handlePanelCommand(control *ScopeControl, data []byte) []byte {
	var cmd PanelCommand
	var reply PanelReply
	if err := json.Unmarshal(data, &cmd); err != nil {
		reply.Error = fmt.Sprintf("could not decode panel command: %v", err)
	} else {
		result, err := control.Dispatch(cmd.Method, cmd.Params)
		reply.Result = result
		if err != nil {
			reply.Error = err.Error()
		}
	}
	if reply.Error != "" {
		ProblemLogger.Printf("NATS panel command failed: %s", reply.Error)
	}
	b, err := json.Marshal(reply)
	if err != nil {
		b, _ = json.Marshal(PanelReply{Error: err.Error()})
	}
	return b
}

// RunNATSPanel serves panel commands published on subject until abort is
// closed. Requests get a PanelReply; plain publications are applied without
// an answer.
func RunNATSPanel(control *ScopeControl, url, subject string, abort <-chan struct{}) error {
	nc, err := ConnectNATS(url)
	if err != nil {
		return fmt.Errorf("could not connect to NATS at %s: %w", url, err)
	}
	defer nc.Drain()

	sub, err := nc.Subscribe(subject, func(m *nats.Msg) {
		reply := handlePanelCommand(control, m.Data)
		if m.Reply != "" {
			if err := m.Respond(reply); err != nil {
				ProblemLogger.Printf("Could not answer NATS panel request: %v", err)
			}
		}
	})
	if err != nil {
		return err
	}
	UpdateLogger.Printf("Serving panel commands on NATS subject %q at %s", subject, url)
	<-abort
	return sub.Unsubscribe()
}
