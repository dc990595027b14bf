package reddustdb

import (
	"testing"
	"time"
)

// Every entry point must be callable on an unconnected or nil Connection:
// daemons regularly run with no database at all.
func TestNilConnectionSafety(t *testing.T) {
	var db *Connection
	if db.IsConnected() {
		t.Error("nil connection claims to be connected")
	}
	db.RecordStreamEvent("obj1", "network", true, time.Now())
	db.RecordDataset(&DatasetMessage{ActiveChannel: "03.BHU", Nchannels: 3})
	db.Disconnect()
}

func TestDummyConnection(t *testing.T) {
	db := DummyConnection()
	if db.IsConnected() {
		t.Error("dummy connection claims to be connected")
	}
	db.RecordStreamEvent("obj1", "serial", false, time.Now())
	db.RecordDataset(nil)
	db.Disconnect()
}
