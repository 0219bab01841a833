package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"genesis/internal/hub"
	"genesis/internal/mux"
	"genesis/internal/translator"
)

const workerHeartbeat = "WORKER_HEARTBEAT"

func originChecker(allowed []string) func(*http.Request) bool {
	for _, origin := range allowed {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		for _, candidate := range allowed {
			if strings.EqualFold(candidate, u.Scheme+"://"+u.Host) {
				return true
			}
		}
		return false
	}
}

// upgrade switches the request to a WebSocket. On failure the upgrader has already written
// the HTTP error response.
func (s *Server) upgrade(c echo.Context) (*websocket.Conn, bool) {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "path", c.Path(), "error", err)
		return nil, false
	}
	conn.SetReadLimit(s.cfg.Server.MaxMessageBytes)
	return conn, true
}

func (s *Server) handleChatSocket(c echo.Context) error {
	conn, ok := s.upgrade(c)
	if !ok {
		return nil
	}

	writer := mux.NewWriter(conn, socketWriteWait)
	id := s.hub.Register(hub.RoleChat, writer)
	defer s.hub.Unregister(hub.RoleChat, id)

	m := mux.New(conn, s.runner, mux.Options{
		ConnectionID: id,
		Writer:       writer,
	})
	if err := m.Serve(c.Request().Context()); err != nil {
		slog.Warn("chat connection ended with error", "connection_id", id, "error", err)
	}
	return nil
}

// handleWorkerSocket keeps a worker registered for as long as its socket is open and
// acknowledges every message it sends.
func (s *Server) handleWorkerSocket(c echo.Context) error {
	conn, ok := s.upgrade(c)
	if !ok {
		return nil
	}
	defer conn.Close()

	writer := mux.NewWriter(conn, socketWriteWait)
	id := s.hub.Register(hub.RoleWorker, writer)
	defer s.hub.Unregister(hub.RoleWorker, id)

	stop := context.AfterFunc(c.Request().Context(), func() { _ = conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			logSocketEnd(hub.RoleWorker, id, err)
			return nil
		}

		ack := "Acknowledged: " + string(data)
		if string(data) == workerHeartbeat {
			slog.Debug("worker heartbeat", "connection_id", id)
			ack = "Acknowledged: heartbeat"
		} else {
			slog.Info("message from worker", "connection_id", id, "bytes", len(data))
		}
		if err := writer.SendText(ack); err != nil {
			slog.Warn("worker acknowledgement failed", "connection_id", id, "error", err)
			return nil
		}
	}
}

// handleFrontendSocket relays {text} messages to every registered worker.
func (s *Server) handleFrontendSocket(c echo.Context) error {
	conn, ok := s.upgrade(c)
	if !ok {
		return nil
	}
	defer conn.Close()

	writer := mux.NewWriter(conn, socketWriteWait)
	id := s.hub.Register(hub.RoleFrontend, writer)
	defer s.hub.Unregister(hub.RoleFrontend, id)

	stop := context.AfterFunc(c.Request().Context(), func() { _ = conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			logSocketEnd(hub.RoleFrontend, id, err)
			return nil
		}

		var req translator.FrontendRequest
		reply := translator.StatusResponse{Status: "error", Message: "Missing 'text' field in request"}
		if err := json.Unmarshal(data, &req); err != nil {
			reply.Message = "Invalid JSON payload."
		} else if req.Text != nil {
			delivered := s.hub.Broadcast(hub.RoleWorker, translator.WorkerRelay{RequestFromFrontend: *req.Text})
			slog.Info("frontend request relayed", "connection_id", id, "workers", delivered)
			reply = translator.StatusResponse{Status: "success", Message: "Received text: " + *req.Text}
		}

		if err := writer.Send(reply); err != nil {
			slog.Warn("frontend reply failed", "connection_id", id, "error", err)
			return nil
		}
	}
}

func logSocketEnd(role hub.Role, id string, err error) {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) || errors.Is(err, net.ErrClosed) {
		slog.Info("socket closed", "role", role, "connection_id", id)
		return
	}
	slog.Warn("socket read failed", "role", role, "connection_id", id, "error", err)
}
