// Package nibdb records distributor activity and acquisition runs in a ClickHouse database.
package nibdb

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// Connection holds an open database connection, or the error that prevented opening one.
// Every method is safe to call on a connection that is not connected; it does nothing.
type Connection struct {
	conn          clickhouse.Conn
	err           error
	activityEntry *ActivityMessage
	runmsg        chan *RunMessage
	sync.WaitGroup
}

const databaseName = "udpnib" // official SQL name of the database

const timeFormat = "2006-01-02 15:04:05.000000"

// IsConnected reports whether the connection is usable.
func (db *Connection) IsConnected() bool {
	return (db != nil) && (db.conn != nil) && (db.err == nil)
}

// Err returns the error that made the connection unusable, if any.
func (db *Connection) Err() error {
	if db == nil {
		return nil
	}
	return db.err
}

// PingServer connects to the server at addr, prints its version, and disconnects.
func PingServer(addr string) error {
	db := createConnection(addr)
	if !db.IsConnected() {
		return fmt.Errorf("database is not connected: %v", db.err)
	}
	defer db.conn.Close()
	v, err := db.conn.ServerVersion()
	if err != nil {
		return err
	}
	fmt.Printf("ClickHouse server is alive. Version:\n%s\n", v)
	return nil
}

// StartConnection connects to the server at addr, records the activity, and
// handles run messages until abort is closed. Check IsConnected on the result.
func StartConnection(addr string, activity *ActivityMessage, abort <-chan struct{}) *Connection {
	db := createConnection(addr)
	if !db.IsConnected() {
		return db
	}
	db.activityEntry = activity
	db.logActivity()
	go db.handleConnection(abort)
	return db
}

// DummyConnection returns a Connection that is never connected.
func DummyConnection() *Connection {
	return &Connection{}
}

func createConnection(addr string) *Connection {
	db := &Connection{}
	auth := clickhouse.Auth{
		Database: databaseName,
		Username: os.Getenv("UDPNIB_DB_USER"),
		Password: os.Getenv("UDPNIB_DB_PASSWORD"),
	}
	client := clickhouse.ClientInfo{
		Products: []struct {
			Name    string
			Version string
		}{
			{Name: "udpnib", Version: "unknown"},
		},
	}
	opt := clickhouse.Options{
		Addr:        []string{addr},
		Auth:        auth,
		ClientInfo:  client,
		DialTimeout: 2 * time.Second,
	}
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.err = err
		return db
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err = conn.Ping(ctx); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			fmt.Printf("Exception [%d] %s \n%s\n", exception.Code, exception.Message, exception.StackTrace)
		}
		conn.Close()
		db.err = err
		return db
	}
	db.conn = conn
	db.runmsg = make(chan *RunMessage)
	db.Add(1)
	return db
}

func (db *Connection) logActivity() {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	ae := db.activityEntry
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO nibactivity VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		ae.ID, ae.Hostname, ae.Githash, ae.Version, ae.GoVersion, ae.CPUs,
		ae.IDistrib, ae.NDistrib, ae.Start.Format(timeFormat), ae.End.Format(timeFormat),
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into nibactivity ", err)
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
		case rmsg := <-db.runmsg:
			db.handleRunMessage(rmsg)
		}
	}
}

// Disconnect stamps the end of the activity and closes the connection.
func (db *Connection) Disconnect() {
	if !db.IsConnected() {
		return
	}
	db.activityEntry.End = time.Now()
	db.logActivity()
	db.conn.Close()
	db.conn = nil
}

// RecordRun stores the start of a run. It blocks until the message is
// accepted, so that the start row always precedes the finish row.
func (db *Connection) RecordRun(msg *RunMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	msg.ActivityID = db.activityEntry.ID
	db.runmsg <- msg
}

// FinishRun stamps the end time on msg and stores it without blocking.
func (db *Connection) FinishRun(msg *RunMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	msg.ActivityID = db.activityEntry.ID
	msg.End = time.Now()
	go func() { db.runmsg <- msg }()
}

func (db *Connection) handleRunMessage(m *RunMessage) {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO runs VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.ID, m.ActivityID, m.Destinations, m.PacketSize,
		m.PacketsReceived, m.PacketsDropped, m.LatePackets, m.ProblemPackets, m.BytesSent,
		m.StopReason, m.Start.Format(timeFormat), m.End.Format(timeFormat),
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into runs ", err)
		db.err = err
	}
}
