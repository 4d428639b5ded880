package remote

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const feedBuffer = 64

func newSubID() string { return uuid.NewString() }

// feedConn owns one websocket. All writes go through send so callers never block on the network.
type feedConn struct {
	ws           *websocket.Conn
	send         chan []byte
	done         chan struct{}
	once         sync.Once
	writeTimeout time.Duration
}

func newFeedConn(ws *websocket.Conn, writeTimeout time.Duration) *feedConn {
	return &feedConn{
		ws:           ws,
		send:         make(chan []byte, feedBuffer),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
	}
}

// enqueue drops the connection when the buffer is full; the reconnect resubscribes everything.
func (f *feedConn) enqueue(b []byte) {
	select {
	case <-f.done:
	case f.send <- b:
	default:
		f.close()
	}
}

func (f *feedConn) close() {
	f.once.Do(func() {
		close(f.done)
		_ = f.ws.Close()
	})
}

func (f *feedConn) writePump() {
	for {
		select {
		case <-f.done:
			return
		case data := <-f.send:
			if err := f.ws.SetWriteDeadline(time.Now().Add(f.writeTimeout)); err != nil {
				f.close()
				return
			}
			if err := f.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				f.close()
				return
			}
		}
	}
}
