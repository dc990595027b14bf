package reddustdb

import "time"

// The composite types used for messages to the ClickHouse database.

// SessionActivityMessage is the information for the reddustactivity table:
// one row per daemon run.
type SessionActivityMessage struct {
	ID        string
	Hostname  string
	Githash   string
	Version   string
	GoVersion string
	Start     time.Time
	End       time.Time
}

// StreamEventMessage is the information required to make an entry in the
// streamevents table: one row per sink streaming start or stop.
type StreamEventMessage struct {
	Sink      string
	Transport string
	Streaming bool
	At        time.Time
}

// DatasetMessage is the information required to make an entry in the datasets
// table: one row per dataset load.
type DatasetMessage struct {
	ActiveChannel string
	Nchannels     int
	SampleRate    float64
	Start         time.Time
	End           time.Time
	LoadedAt      time.Time
}
