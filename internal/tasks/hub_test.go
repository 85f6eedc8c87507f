package tasks

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

func dialHub(t *testing.T, hub *Hub, taskID string) (*websocket.Conn, func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, hub.Subscribe(w, r, taskID))
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	assert.NoError(t, err)
	return conn, func() {
		conn.Close()
		srv.Close()
	}
}

func TestHub_SubscriberReceivesPublishedSnapshots(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Close()

	conn, cleanup := dialHub(t, hub, "t1")
	defer cleanup()

	// Give the register message time to land in the run loop.
	time.Sleep(20 * time.Millisecond)
	hub.Publish("t1", Snapshot{ID: "t1", Status: StatusRunning, Progress: 50})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var snap Snapshot
	assert.NoError(t, conn.ReadJSON(&snap))
	assert.Equal(t, "t1", snap.ID)
	assert.Equal(t, StatusRunning, snap.Status)
	assert.Equal(t, 50, snap.Progress)
}

func TestHub_RoomsAreIsolatedByTask(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Close()

	conn, cleanup := dialHub(t, hub, "t1")
	defer cleanup()

	time.Sleep(20 * time.Millisecond)
	hub.Publish("other", Snapshot{ID: "other", Status: StatusCompleted})
	hub.Publish("t1", Snapshot{ID: "t1", Status: StatusRunning})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var snap Snapshot
	assert.NoError(t, conn.ReadJSON(&snap))
	assert.Equal(t, "t1", snap.ID)
}

func TestHub_PublishAfterCloseDoesNotBlock(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	hub.Close()

	done := make(chan struct{})
	go func() {
		hub.Publish("t1", Snapshot{ID: "t1"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked after Close")
	}
}

func TestHub_SubscribeAfterCloseErrorsInsteadOfBlocking(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	hub.Close()

	subErr := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subErr <- hub.Subscribe(w, r, "t1")
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	if conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil {
		conn.Close()
	}

	select {
	case err := <-subErr:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Subscribe blocked on a closed hub")
	}
}

func TestHub_LedgerPushesThroughHub(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Close()

	ledger := NewLedger(time.Minute, hub, nil)
	conn, cleanup := dialHub(t, hub, "t1")
	defer cleanup()
	time.Sleep(20 * time.Millisecond)

	ledger.Create("t1", TypeParse)
	ledger.Update("t1", StatusRunning, 10, "working")
	ledger.MarkCompleted("t1")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var last Snapshot
	for i := 0; i < 3; i++ {
		assert.NoError(t, conn.ReadJSON(&last))
	}
	assert.Equal(t, StatusCompleted, last.Status)
}
