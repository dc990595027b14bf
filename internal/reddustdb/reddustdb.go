// Package reddustdb records daemon activity to a ClickHouse database: one
// row per daemon run, plus rows for dataset loads and per-sink streaming
// start/stop events. Every entry point is nil-safe, so a daemon running
// without a database simply records nothing.
package reddustdb

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// Connection wraps one ClickHouse connection and the channels feeding it.
type Connection struct {
	conn          clickhouse.Conn
	err           error
	activityEntry *SessionActivityMessage
	streammsg     chan *StreamEventMessage
	datasetmsg    chan *DatasetMessage
	sync.WaitGroup
}

const databaseName = "reddust" // official SQL name of the database

// IsConnected reports whether the connection is usable.
func (db *Connection) IsConnected() bool {
	return (db != nil) && (db.conn != nil) && (db.err == nil)
}

// PingServer opens a throwaway connection and pings it.
func PingServer() error {
	db := createConnection()
	if !db.IsConnected() {
		return fmt.Errorf("database is not connected")
	}
	v, err := db.conn.ServerVersion()
	if err != nil {
		return err
	}
	fmt.Printf("ClickHouse server is alive. Version:\n%s\n", v)
	db.conn.Close()
	return nil
}

// StartConnection opens the database, logs the activity entry, and launches
// the handler goroutine. The returned connection may be unconnected; all its
// methods stay safe to call.
func StartConnection(activity *SessionActivityMessage, abort <-chan struct{}) *Connection {
	db := createConnection()
	db.activityEntry = activity
	db.logActivity()
	go db.handleConnection(abort)
	return db
}

// DummyConnection returns an unconnected Connection for tests and for
// daemons running without a database.
func DummyConnection() *Connection {
	db := &Connection{}
	db.Add(1)
	return db
}

func createConnection() *Connection {
	db := &Connection{}
	dbUser := os.Getenv("REDDUST_DB_USER")
	dbPass := os.Getenv("REDDUST_DB_PASSWORD")
	auth := clickhouse.Auth{
		Database: databaseName,
		Username: dbUser,
		Password: dbPass,
	}
	client := clickhouse.ClientInfo{
		Products: []struct {
			Name    string
			Version string
		}{
			{Name: "reddust", Version: "unknown"},
		},
	}
	opt := clickhouse.Options{
		Addr:       []string{"localhost:9000"},
		Auth:       auth,
		ClientInfo: client,
		TLS:        nil,
	}
	ctx := context.Background()
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.err = err
		return db
	}
	db.conn = conn
	db.Add(1)

	if err = conn.Ping(ctx); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			fmt.Printf("Exception [%d] %s \n%s\n", exception.Code, exception.Message, exception.StackTrace)
		}
		db.err = err
		return db
	}

	db.streammsg = make(chan *StreamEventMessage)
	db.datasetmsg = make(chan *DatasetMessage)
	return db
}

func (db *Connection) logActivity() {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	ae := db.activityEntry
	formattedStart := ae.Start.Format("2006-01-02 15:04:05.000000")
	formattedEnd := ae.End.Format("2006-01-02 15:04:05.000000")
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO reddustactivity VALUES (?, ?, ?, ?, ?, ?, ?)`, nowait,
		ae.ID, ae.Hostname, ae.Githash, ae.Version,
		ae.GoVersion, formattedStart, formattedEnd,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into reddustactivity ", err)
		db.err = err
	}
}

func (db *Connection) handleConnection(abort <-chan struct{}) {
	defer db.Done()
	for {
		select {
		case <-abort:
			db.Disconnect()
			return
		case smsg := <-db.streammsg:
			db.handleStreamEvent(smsg)
		case dmsg := <-db.datasetmsg:
			db.handleDatasetMessage(dmsg)
		}
	}
}

// Disconnect closes out the activity entry with an end time.
func (db *Connection) Disconnect() {
	if db.IsConnected() {
		db.activityEntry.End = time.Now()
		db.logActivity()
	}
}

// RecordStreamEvent stores one streaming start/stop row (if the DB is open).
// It never blocks the caller: dispatcher tick handlers run on a budget.
func (db *Connection) RecordStreamEvent(sink, transport string, streaming bool, at time.Time) {
	if !db.IsConnected() {
		return
	}
	msg := &StreamEventMessage{Sink: sink, Transport: transport, Streaming: streaming, At: at}
	go func() { db.streammsg <- msg }()
}

// RecordDataset stores one dataset-load row (if the DB is open).
func (db *Connection) RecordDataset(msg *DatasetMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	go func() { db.datasetmsg <- msg }()
}

func (db *Connection) handleStreamEvent(m *StreamEventMessage) {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	formattedAt := m.At.Format("2006-01-02 15:04:05.000000")
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO streamevents VALUES (?, ?, ?, ?, ?)`, nowait,
		db.activityEntry.ID, m.Sink, m.Transport, m.Streaming, formattedAt,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into streamevents ", err)
		db.err = err
	}
}

func (db *Connection) handleDatasetMessage(m *DatasetMessage) {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	formattedStart := m.Start.Format("2006-01-02 15:04:05.000000")
	formattedEnd := m.End.Format("2006-01-02 15:04:05.000000")
	formattedLoad := m.LoadedAt.Format("2006-01-02 15:04:05.000000")
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO datasets VALUES (?, ?, ?, ?, ?, ?, ?)`, nowait,
		db.activityEntry.ID, m.ActiveChannel, m.Nchannels, m.SampleRate,
		formattedStart, formattedEnd, formattedLoad,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into datasets ", err)
		db.err = err
	}
}
