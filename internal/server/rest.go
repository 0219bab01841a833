package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"genesis/internal/hub"
	"genesis/internal/translator"
)

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status": "ok",
		"connections": map[string]int{
			string(hub.RoleChat):     s.hub.Count(hub.RoleChat),
			string(hub.RoleWorker):   s.hub.Count(hub.RoleWorker),
			string(hub.RoleFrontend): s.hub.Count(hub.RoleFrontend),
		},
	})
}

func (s *Server) handleModels(c echo.Context) error {
	return c.JSON(http.StatusOK, translator.ModelCards(s.router.Models(c.QueryParam("provider"))))
}

// handleChat serves a blocking completion through the same Request Task the socket uses.
func (s *Server) handleChat(c echo.Context) error {
	var req translator.ChatRequest
	if err := s.decodeRequestBody(c, &req); err != nil {
		return err
	}
	if err := req.Validate(false); err != nil {
		return toHTTPError(err)
	}
	if _, _, err := s.router.Resolve(req.Model); err != nil {
		return toHTTPError(err)
	}
	req.Stream = false
	if req.RequestID.IsZero() {
		req.RequestID = translator.NewRequestID(uuid.NewString())
	}

	var (
		resp    translator.ChatHTTPResponse
		failure *translator.Reply
	)
	s.runner.Run(c.Request().Context(), req, func(reply translator.Reply) error {
		switch {
		case reply.Error != "":
			failure = &reply
		case reply.Meta != nil:
			resp.Meta = *reply.Meta
		case reply.Thinking != "":
			resp.Thinking += reply.Thinking
		default:
			resp.Text += reply.Text
		}
		return nil
	})

	if failure != nil {
		if failure.Error == translator.MsgNoPrompt {
			return requestError{Status: http.StatusBadRequest, Message: failure.Error, Type: "invalid_request_error"}
		}
		return requestError{Status: http.StatusBadGateway, Message: failure.Error, Type: "upstream_error", Details: failure.Details}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSaveChat(c echo.Context) error {
	var req translator.SaveChatRequest
	if err := s.decodeRequestBody(c, &req); err != nil {
		return err
	}

	now := time.Now()
	name := strings.TrimSpace(req.Filename)
	if name == "" {
		name = translator.DefaultChatName(now)
	}

	data, err := json.MarshalIndent(translator.Transcript{
		Messages:     req.Messages,
		SystemPrompt: req.SystemPrompt,
		Temperature:  req.Temperature,
		Model:        req.Model,
		SavedAt:      now.UTC(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}

	saved, err := s.files.Chats().Save(c.Request().Context(), name, data)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, translator.SaveChatResponse{Status: "success", Filename: saved})
}

func (s *Server) handleLoadChat(c echo.Context) error {
	var req translator.LoadChatRequest
	if err := s.decodeRequestBody(c, &req); err != nil {
		return err
	}

	data, err := s.files.Chats().Load(c.Request().Context(), req.Filename)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSONBlob(http.StatusOK, data)
}

func (s *Server) handleListChats(c echo.Context) error {
	names, err := s.files.Chats().List(c.Request().Context())
	if err != nil {
		return toHTTPError(err)
	}
	if names == nil {
		names = []string{}
	}
	return c.JSON(http.StatusOK, translator.ChatListResponse{Chats: names})
}

func (s *Server) handleDeleteChat(c echo.Context) error {
	name, err := url.PathUnescape(c.Param("*"))
	if err != nil {
		return requestError{Status: http.StatusBadRequest, Message: "invalid transcript name", Type: "invalid_request_error"}
	}

	if err := s.files.Chats().Delete(c.Request().Context(), name); err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, translator.StatusResponse{Status: "success", Message: "Successfully deleted " + name})
}
