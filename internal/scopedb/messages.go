package scopedb

import "time"

// The composite types used for messages to the ClickHouse database.

// ActivityMessage is the information for the scopesimactivity table: one row
// per scopesim process.
type ActivityMessage struct {
	ID        string
	Hostname  string
	Githash   string
	Version   string
	GoVersion string
	CPUs      int
	Start     time.Time
	End       time.Time
}

// SessionMessage is the information required to make an entry in the
// sessions table: one row per channel generator, written when it starts and
// again when it stops.
type SessionMessage struct {
	ID         string
	ActivityID string
	Channel    int
	Waveform   string
	Timebase   float64 // seconds per division at start
	NSamples   int
	Plugged    bool
	Frames     uint64
	Recomputes uint64
	StartTime  time.Time
	EndTime    time.Time
}
