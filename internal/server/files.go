package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"

	"genesis/internal/store"
	"genesis/internal/translator"
)

var chatFileFields = []string{"messages", "system_prompt", "temperature"}

func (s *Server) kindStore(c echo.Context) (store.Kind, store.Store, error) {
	kind, err := store.ParseKind(c.Param("type"))
	if err != nil {
		return "", nil, toHTTPError(err)
	}
	st, err := s.files.For(kind)
	if err != nil {
		return "", nil, toHTTPError(err)
	}
	return kind, st, nil
}

func pathParam(c echo.Context) (string, error) {
	p, err := url.PathUnescape(c.Param("*"))
	if err != nil {
		return "", badRequest("invalid path")
	}
	return p, nil
}

func badRequest(message string) requestError {
	return requestError{Status: http.StatusBadRequest, Message: message, Type: "invalid_request_error"}
}

func (s *Server) handleSaveFile(c echo.Context) error {
	kind, st, err := s.kindStore(c)
	if err != nil {
		return err
	}
	var req translator.FileSaveRequest
	if err := s.decodeRequestBody(c, &req); err != nil {
		return err
	}
	if req.FileType != string(kind) {
		return badRequest(fmt.Sprintf("File type mismatch: %s vs %s", req.FileType, kind))
	}

	data, err := fileContent(kind, req.Content)
	if err != nil {
		return err
	}
	saved, err := st.Save(c.Request().Context(), req.Filename, data)
	if err != nil {
		return toHTTPError(err)
	}
	slog.Debug("file saved", "type", kind, "name", saved)
	return c.JSON(http.StatusOK, translator.FileSaveResponse{
		Status:   "success",
		Message:  fmt.Sprintf("%s saved successfully", kind),
		Filename: saved,
	})
}

// fileContent checks content against its kind and returns the bytes to store. Chats are
// stored as indented JSON, documents and prompts as their raw text.
func fileContent(kind store.Kind, content json.RawMessage) ([]byte, error) {
	if kind != store.KindChat {
		var text string
		if err := json.Unmarshal(content, &text); err != nil {
			return nil, badRequest(fmt.Sprintf("%s content must be a string", kind))
		}
		return []byte(text), nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(content, &fields); err != nil || fields == nil {
		return nil, badRequest("chat content must be a JSON object")
	}
	for _, field := range chatFileFields {
		if _, ok := fields[field]; !ok {
			return nil, badRequest("Missing required field: " + field)
		}
	}
	var out bytes.Buffer
	if err := json.Indent(&out, content, "", "  "); err != nil {
		return nil, badRequest("chat content must be a JSON object")
	}
	return out.Bytes(), nil
}

func (s *Server) handleListFiles(c echo.Context) error {
	_, st, err := s.kindStore(c)
	if err != nil {
		return err
	}
	names, err := st.List(c.Request().Context())
	if err != nil {
		return toHTTPError(err)
	}
	if names == nil {
		names = []string{}
	}
	return c.JSON(http.StatusOK, translator.FileListResponse{Files: names})
}

func (s *Server) handleLoadFile(c echo.Context) error {
	kind, st, err := s.kindStore(c)
	if err != nil {
		return err
	}
	var req translator.FileLoadRequest
	if err := s.decodeRequestBody(c, &req); err != nil {
		return err
	}

	data, err := st.Load(c.Request().Context(), req.Filename)
	if err != nil {
		return toHTTPError(err)
	}
	if kind != store.KindChat {
		return c.JSON(http.StatusOK, translator.TextFileResponse{Filename: req.Filename, Content: string(data)})
	}

	var stored translator.ChatFile
	if err := json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("decode chat file %q: %w", req.Filename, err)
	}
	resp := translator.ChatFileResponse{
		Filename:    req.Filename,
		Messages:    stored.Messages,
		Temperature: translator.DefaultChatTemperature,
	}
	if len(resp.Messages) == 0 || string(resp.Messages) == "null" {
		resp.Messages = json.RawMessage("[]")
	}
	if stored.SystemPrompt != nil {
		resp.SystemPrompt = *stored.SystemPrompt
	}
	if stored.Temperature != nil {
		resp.Temperature = *stored.Temperature
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDeleteFile(c echo.Context) error {
	kind, st, err := s.kindStore(c)
	if err != nil {
		return err
	}
	name, err := pathParam(c)
	if err != nil {
		return err
	}
	if err := st.Delete(c.Request().Context(), name); err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, translator.StatusResponse{Status: "success", Message: fmt.Sprintf("%s deleted successfully", kind)})
}

func (s *Server) handleListDirectory(c echo.Context) error {
	_, st, err := s.kindStore(c)
	if err != nil {
		return err
	}
	dir, err := pathParam(c)
	if err != nil {
		return err
	}

	entries, err := st.ListDir(c.Request().Context(), dir)
	if err != nil {
		return toHTTPError(err)
	}
	items := make([]translator.DirectoryEntry, 0, len(entries))
	for _, e := range entries {
		items = append(items, translator.DirectoryEntry{Name: e.Name, Type: e.Type, Path: e.Path})
	}
	return c.JSON(http.StatusOK, translator.DirectoryListing{CurrentPath: dir, Items: items})
}

func (s *Server) handleCreateDirectory(c echo.Context) error {
	kind, st, err := s.kindStore(c)
	if err != nil {
		return err
	}
	dir := strings.TrimSpace(c.QueryParam("path"))
	if dir == "" {
		return badRequest("path is required")
	}
	if err := st.MakeDir(c.Request().Context(), dir); err != nil {
		return toHTTPError(err)
	}
	slog.Debug("directory created", "type", kind, "path", dir)
	return c.JSON(http.StatusOK, translator.MessageResponse{Message: "Created directory " + dir})
}

func (s *Server) handleDeleteDirectory(c echo.Context) error {
	_, st, err := s.kindStore(c)
	if err != nil {
		return err
	}
	dir, err := pathParam(c)
	if err != nil {
		return err
	}
	if err := st.RemoveDir(c.Request().Context(), dir); err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, translator.MessageResponse{Message: "Directory deleted successfully"})
}
