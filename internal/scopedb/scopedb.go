// Package scopedb records scopesim processes and channel generator sessions
// in a ClickHouse database.
package scopedb

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// Connection is a connection to the ClickHouse server. A nil *Connection, or
// one that failed to connect, silently ignores every record request.
type Connection struct {
	conn          clickhouse.Conn
	activityEntry *ActivityMessage
	sessionmsg    chan *SessionMessage
	stopped       chan struct{} // closed when handleConnection returns
	sync.WaitGroup

	errLock sync.Mutex
	err     error
}

const databaseName = "scopesim" // official SQL name of the database

// timeFormat is how ClickHouse DateTime64(6) columns are written.
const timeFormat = "2006-01-02 15:04:05.000000"

// Logger receives connection problems. The main program can redirect it.
var Logger = log.New(os.Stderr, "scopedb ", log.LstdFlags)

// ErrNotConnected is returned by PingServer when no connection is possible.
var ErrNotConnected = errors.New("database is not connected")

// IsConnected tells whether the connection is usable.
func (db *Connection) IsConnected() bool {
	return (db != nil) && (db.conn != nil) && (db.Err() == nil)
}

// Err returns the error that broke the connection, if any.
func (db *Connection) Err() error {
	if db == nil {
		return ErrNotConnected
	}
	db.errLock.Lock()
	defer db.errLock.Unlock()
	return db.err
}

func (db *Connection) setErr(err error) {
	db.errLock.Lock()
	defer db.errLock.Unlock()
	db.err = err
}

// PingServer connects to the server at addr, prints its version and disconnects.
func PingServer(addr string) error {
	db := createConnection(addr)
	if !db.IsConnected() {
		if db.err != nil {
			return fmt.Errorf("%w: %w", ErrNotConnected, db.err)
		}
		return ErrNotConnected
	}
	defer db.conn.Close()
	v, err := db.conn.ServerVersion()
	if err != nil {
		return err
	}
	fmt.Printf("ClickHouse server is alive. Version:\n%s\n", v)
	return nil
}

// StartDBConnection connects to the server at addr, records the activity and
// serves record requests until abort is closed. Call Wait to know when the
// final activity row has been written.
func StartDBConnection(activity *ActivityMessage, abort <-chan struct{}, addr string) *Connection {
	db := createConnection(addr)
	db.activityEntry = activity
	db.logActivity()
	if db.IsConnected() {
		db.Add(1)
		go db.handleConnection(abort)
	}
	return db
}

// DummyConnection returns a connection that records nothing. Its Wait
// returns at once.
func DummyConnection() *Connection {
	return &Connection{err: ErrNotConnected}
}

func createConnection(addr string) *Connection {
	db := &Connection{}
	auth := clickhouse.Auth{
		Database: databaseName,
		Username: os.Getenv("SCOPESIM_DB_USER"),
		Password: os.Getenv("SCOPESIM_DB_PASSWORD"),
	}
	client := clickhouse.ClientInfo{
		Products: []struct {
			Name    string
			Version string
		}{
			{Name: "scopesim", Version: "unknown"},
		},
	}
	opt := clickhouse.Options{
		Addr:        []string{addr},
		Auth:        auth,
		ClientInfo:  client,
		DialTimeout: 5 * time.Second,
	}
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.err = err
		return db
	}
	db.conn = conn

	ctx := context.Background()
	if err = conn.Ping(ctx); err != nil {
		var exception *clickhouse.Exception
		if errors.As(err, &exception) {
			Logger.Printf("Exception [%d] %s \n%s", exception.Code, exception.Message, exception.StackTrace)
		}
		db.err = err
		return db
	}
	db.sessionmsg = make(chan *SessionMessage)
	db.stopped = make(chan struct{})
	return db
}

func (db *Connection) logActivity() {
	if !db.IsConnected() || db.activityEntry == nil {
		return
	}
	ctx := context.Background()
	const nowait = false
	ae := db.activityEntry
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO scopesimactivity VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		ae.ID, ae.Hostname, ae.Githash, ae.Version,
		ae.GoVersion, ae.CPUs, ae.Start.Format(timeFormat), ae.End.Format(timeFormat),
	); err != nil {
		Logger.Println("Error raised on AsyncInsert into scopesimactivity ", err)
		db.setErr(err)
	}
}

func (db *Connection) handleConnection(abort <-chan struct{}) {
	defer db.Done()
	defer close(db.stopped)
	for {
		select {
		case <-abort:
			db.Disconnect()
			return
		case smsg := <-db.sessionmsg:
			db.handleSessionMessage(smsg)
		}
	}
}

// Disconnect writes the end time of the activity and closes the connection.
func (db *Connection) Disconnect() {
	if !db.IsConnected() {
		return
	}
	if db.activityEntry != nil {
		db.activityEntry.End = time.Now()
		db.logActivity()
	}
	db.conn.Close()
}

// RecordSession stores a newly started session. It blocks until the
// connection accepts the message, so that the start row is always queued
// before the matching FinishSession row.
func (db *Connection) RecordSession(msg *SessionMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	if db.activityEntry != nil {
		msg.ActivityID = db.activityEntry.ID
	}
	select {
	case db.sessionmsg <- copySession(msg):
	case <-db.stopped:
	}
}

// FinishSession stores the end time and totals of a session. It does not block.
func (db *Connection) FinishSession(msg *SessionMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	msg.EndTime = time.Now()
	m := copySession(msg)
	go func() {
		select {
		case db.sessionmsg <- m:
		case <-db.stopped:
		}
	}()
}

// copySession lets the caller keep updating msg while the copy waits to be written.
func copySession(msg *SessionMessage) *SessionMessage {
	m := *msg
	return &m
}

func (db *Connection) handleSessionMessage(m *SessionMessage) {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO sessions VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.ID, m.ActivityID, m.Channel, m.Waveform, m.Timebase, m.NSamples, m.Plugged,
		m.Frames, m.Recomputes, m.StartTime.Format(timeFormat), m.EndTime.Format(timeFormat),
	); err != nil {
		Logger.Println("Error raised on AsyncInsert into sessions ", err)
		db.setErr(err)
	}
}
