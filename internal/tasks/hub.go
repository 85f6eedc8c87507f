package tasks

import (
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 64
)

// Hub streams task snapshots to websocket subscribers. Rooms are keyed
// by task id; a client subscribes to exactly one task. All room
// bookkeeping goes through the run loop's channels so connection
// goroutines never share maps.
type Hub struct {
	register   chan *subscriber
	unregister chan *subscriber
	broadcast  chan pushMessage

	done chan struct{}
	once sync.Once
}

type subscriber struct {
	taskID string
	send   chan Snapshot
	conn   *websocket.Conn
}

type pushMessage struct {
	taskID string
	snap   Snapshot
}

// NewHub creates a hub; call Run in a goroutine.
func NewHub() *Hub {
	return &Hub{
		register:   make(chan *subscriber),
		unregister: make(chan *subscriber),
		broadcast:  make(chan pushMessage, 256),
		done:       make(chan struct{}),
	}
}

// Run owns the room map until Close is called.
func (h *Hub) Run() {
	rooms := make(map[string]map[*subscriber]struct{})

	for {
		select {
		case <-h.done:
			for _, room := range rooms {
				for sub := range room {
					close(sub.send)
				}
			}
			return

		case sub := <-h.register:
			if rooms[sub.taskID] == nil {
				rooms[sub.taskID] = make(map[*subscriber]struct{})
			}
			rooms[sub.taskID][sub] = struct{}{}

		case sub := <-h.unregister:
			if room, ok := rooms[sub.taskID]; ok {
				if _, ok := room[sub]; ok {
					delete(room, sub)
					close(sub.send)
					if len(room) == 0 {
						delete(rooms, sub.taskID)
					}
				}
			}

		case msg := <-h.broadcast:
			for sub := range rooms[msg.taskID] {
				select {
				case sub.send <- msg.snap:
				default:
					// Slow consumer: drop it rather than block the hub.
					delete(rooms[msg.taskID], sub)
					close(sub.send)
				}
			}
		}
	}
}

// Close stops the run loop and disconnects all subscribers.
func (h *Hub) Close() {
	h.once.Do(func() { close(h.done) })
}

// Publish implements the ledger's Publisher seam.
func (h *Hub) Publish(taskID string, snap Snapshot) {
	select {
	case h.broadcast <- pushMessage{taskID: taskID, snap: snap}:
	case <-h.done:
	default:
		// Broadcast buffer full; status endpoint still has the data.
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Subscribe upgrades the request to a websocket and streams snapshots
// for taskID until the client disconnects.
func (h *Hub) Subscribe(w http.ResponseWriter, r *http.Request, taskID string) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	sub := &subscriber{
		taskID: taskID,
		send:   make(chan Snapshot, sendBufferSize),
		conn:   conn,
	}
	select {
	case h.register <- sub:
	case <-h.done:
		conn.Close()
		return errors.New("hub is closed")
	}

	go sub.writePump(h)
	go sub.readPump(h)
	return nil
}

func (s *subscriber) writePump(h *Hub) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case snap, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteJSON(snap); err != nil {
				log.Printf("[TaskHub] Write to subscriber of %s failed: %v", s.taskID, err)
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *subscriber) readPump(h *Hub) {
	defer func() {
		select {
		case h.unregister <- s:
		case <-h.done:
		}
		s.conn.Close()
	}()

	s.conn.SetReadLimit(512)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}
