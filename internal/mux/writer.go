package mux

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned by Writer once the connection has been marked closed.
var ErrClosed = errors.New("connection closed")

// Conn is the subset of *websocket.Conn the multiplexer needs.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Writer serializes frames onto a Conn. gorilla/websocket allows one concurrent writer, so
// every task on a connection writes through the same Writer.
type Writer struct {
	conn    Conn
	timeout time.Duration

	mu      sync.Mutex
	closed  bool
	err     error
	onFault func(error)
}

// NewWriter wraps conn. A positive timeout sets a write deadline per frame when the
// connection supports it.
func NewWriter(conn Conn, timeout time.Duration) *Writer {
	return &Writer{conn: conn, timeout: timeout}
}

// Send writes v as a JSON text frame.
func (w *Writer) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return w.write(data)
}

// SendText writes a raw text frame.
func (w *Writer) SendText(text string) error {
	return w.write([]byte(text))
}

// Close marks the writer closed. Later writes fail with ErrClosed without touching the Conn.
func (w *Writer) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
}

// OnFault registers fn to run once, outside the lock, when a frame write first fails.
func (w *Writer) OnFault(fn func(error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onFault = fn
}

// Err returns the first write failure, if any.
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *Writer) write(data []byte) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	if d, ok := w.conn.(writeDeadliner); ok && w.timeout > 0 {
		_ = d.SetWriteDeadline(time.Now().Add(w.timeout))
	}
	err := w.conn.WriteMessage(websocket.TextMessage, data)
	if err == nil {
		w.mu.Unlock()
		return nil
	}
	// A failed frame leaves the socket in an unknown state.
	w.closed = true
	w.err = err
	onFault := w.onFault
	w.mu.Unlock()

	if onFault != nil {
		onFault(err)
	}
	return fmt.Errorf("write frame: %w", err)
}
