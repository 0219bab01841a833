// Package mux serves many concurrent chat requests over one duplex connection.
package mux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sourcegraph/conc"

	"genesis/internal/chat"
	"genesis/internal/translator"
)

// ErrProtocol wraps transport faults that end the connection.
var ErrProtocol = errors.New("protocol error")

// Runner executes one request and reports replies through send. *chat.Runner implements it.
type Runner interface {
	Run(ctx context.Context, req translator.ChatRequest, send chat.Sender) chat.State
}

// Options tunes a Multiplexer.
type Options struct {
	ConnectionID string
	WriteTimeout time.Duration
	// Writer is reused when the caller already wraps conn, e.g. to register it elsewhere.
	Writer *Writer
	Logger *slog.Logger
}

// Multiplexer owns a connection's receive loop and its in-flight request tasks.
type Multiplexer struct {
	conn   Conn
	writer *Writer
	runner Runner
	logger *slog.Logger

	mu    sync.Mutex
	tasks map[string]*inflight
	wg    conc.WaitGroup
}

// inflight identifies one task so a finished task never evicts a newer one that reused its id.
type inflight struct {
	cancel context.CancelFunc
}

// New constructs a Multiplexer for conn.
func New(conn Conn, runner Runner, opts Options) *Multiplexer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ConnectionID != "" {
		logger = logger.With("connection_id", opts.ConnectionID)
	}
	writer := opts.Writer
	if writer == nil {
		writer = NewWriter(conn, opts.WriteTimeout)
	}
	return &Multiplexer{
		conn:   conn,
		writer: writer,
		runner: runner,
		logger: logger,
		tasks:  make(map[string]*inflight),
	}
}

// Serve runs the receive loop until the client disconnects, a transport fault occurs or ctx
// is cancelled. A failed frame write counts as a fault: it tears the connection down even
// while the receive loop is idle. Before returning Serve stops writing, cancels every
// in-flight task and waits for them to settle. A normal client close returns nil.
func (m *Multiplexer) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	stopClose := context.AfterFunc(ctx, func() { _ = m.conn.Close() })
	m.writer.OnFault(func(err error) {
		m.logger.Info("write failed, closing connection", "error", err)
		cancel()
	})

	defer func() {
		m.writer.Close()
		cancel()
		if recovered := m.wg.WaitAndRecover(); recovered != nil {
			m.logger.Error("request task panicked", "panic", recovered.String())
		}
		stopClose()
		_ = m.conn.Close()
		m.logger.Debug("connection released")
	}()

	for {
		_, data, err := m.conn.ReadMessage()
		if err != nil {
			return m.readError(ctx, err)
		}
		if ctx.Err() != nil {
			// Torn down while this frame was in transit; it is not served.
			return m.readError(ctx, ctx.Err())
		}
		m.handle(ctx, data)
	}
}

func (m *Multiplexer) readError(ctx context.Context, err error) error {
	switch {
	case m.writer.Err() != nil:
		m.logger.Info("client unreachable", "error", m.writer.Err())
		return nil
	case ctx.Err() != nil:
		m.logger.Debug("connection closed by server")
		return nil
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		m.logger.Info("client disconnected")
		return nil
	default:
		m.logger.Warn("connection fault", "error", err)
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
}

func (m *Multiplexer) handle(ctx context.Context, data []byte) {
	req, err := translator.DecodeChatRequest(data)
	if err != nil {
		var validation *translator.ValidationError
		id := translator.UnknownRequestID
		message := translator.MsgInvalidJSON
		if errors.As(err, &validation) {
			id, message = validation.RequestID, validation.Message
		}
		m.logger.Info("rejected message", "request_id", id.String(), "error", err)
		m.send(translator.ErrorReply(id, message, ""))
		return
	}

	if req.Cancel {
		m.cancelTask(req.RequestID)
		return
	}
	m.spawn(ctx, req)
}

// spawn starts a task without waiting for it. Duplicate in-flight ids are rejected and the
// original task keeps running. An id is free again as soon as its terminal reply is sent.
func (m *Multiplexer) spawn(ctx context.Context, req translator.ChatRequest) {
	key := req.RequestID.Key()

	m.mu.Lock()
	if _, exists := m.tasks[key]; exists {
		m.mu.Unlock()
		m.logger.Info("duplicate request id", "request_id", req.RequestID.String())
		m.send(translator.ErrorReply(req.RequestID, translator.MsgDuplicateRequest, ""))
		return
	}
	taskCtx, cancel := context.WithCancel(ctx)
	entry := &inflight{cancel: cancel}
	m.tasks[key] = entry
	m.mu.Unlock()

	send := func(reply translator.Reply) error {
		if reply.IsTerminal() {
			m.release(key, entry)
		}
		return m.writer.Send(reply)
	}

	m.wg.Go(func() {
		defer cancel()
		defer m.release(key, entry)
		state := m.runner.Run(taskCtx, req, send)
		m.logger.Debug("request task finished", "request_id", req.RequestID.String(), "state", state.String())
	})
}

func (m *Multiplexer) release(key string, entry *inflight) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tasks[key] == entry {
		delete(m.tasks, key)
	}
}

func (m *Multiplexer) cancelTask(id translator.RequestID) {
	m.mu.Lock()
	entry, ok := m.tasks[id.Key()]
	m.mu.Unlock()
	if !ok {
		m.logger.Debug("cancel for unknown request", "request_id", id.String())
		return
	}
	m.logger.Info("cancelling request", "request_id", id.String())
	entry.cancel()
}

func (m *Multiplexer) send(reply translator.Reply) {
	if err := m.writer.Send(reply); err != nil {
		m.logger.Debug("reply dropped", "error", err)
	}
}
