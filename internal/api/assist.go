package api

import (
	"errors"
	"net/http"

	"github.com/manpreetbhatti/coderoom/internal/assistant"
	"github.com/manpreetbhatti/coderoom/internal/runner"
)

const defaultRunLanguage = "javascript"

type RunRequest struct {
	Code     string `json:"code"`
	Language string `json:"language"`
	Input    string `json:"input"`
}

// RunHandler executes code in batch mode outside any room.
func (a *API) RunHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req RunRequest
	if err := decodeBody(w, r, &req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Code == "" {
		errorResponse(w, http.StatusBadRequest, "Code is required")
		return
	}
	if req.Language == "" {
		req.Language = defaultRunLanguage
	}
	if a.bridge == nil {
		errorResponse(w, http.StatusServiceUnavailable, "Code execution is not available")
		return
	}

	resp, err := a.bridge.Run(r.Context(), runner.Request{
		Language: req.Language,
		Source:   req.Code,
		Stdin:    req.Input,
	})
	switch {
	case errors.Is(err, runner.ErrUnsupportedLanguage), errors.Is(err, runner.ErrEmptySource):
		jsonResponse(w, http.StatusBadRequest, map[string]any{"success": false, "error": err.Error()})
		return
	case err != nil:
		a.logger.Error("batch run failed", "language", req.Language, "error", err)
		jsonResponse(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   "Error running code. Please try again.",
			"details": err.Error(),
		})
		return
	}

	jsonResponse(w, http.StatusOK, map[string]any{
		"success":  true,
		"output":   resp.Output,
		"status":   resp.Status,
		"exitCode": resp.ExitCode,
	})
}

type ChatRequest struct {
	Message  string `json:"message"`
	Code     string `json:"code"`
	Language string `json:"language"`
	RoomID   string `json:"roomId"`
}

type ExplainRequest struct {
	Code     string `json:"code"`
	Language string `json:"language"`
}

type DebugRequest struct {
	Code     string `json:"code"`
	Language string `json:"language"`
	Output   string `json:"output"`
	Question string `json:"question"`
}

// AIChatHandler always answers with a displayable response, failures
// included.
func (a *API) AIChatHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req ChatRequest
	if err := decodeBody(w, r, &req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Message == "" {
		errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}

	a.logger.Debug("assistant chat", "room", req.RoomID, "language", req.Language)
	jsonResponse(w, http.StatusOK, map[string]string{
		"response": a.assistant.Chat(r.Context(), req.Message, req.Code, req.Language).Text,
	})
}

func (a *API) ExplainHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req ExplainRequest
	if err := decodeBody(w, r, &req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Code == "" {
		errorResponse(w, http.StatusBadRequest, "code is required")
		return
	}

	a.assistantResponse(w, "explanation", a.assistant.Explain(r.Context(), req.Code, req.Language))
}

func (a *API) DebugHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req DebugRequest
	if err := decodeBody(w, r, &req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Code == "" {
		errorResponse(w, http.StatusBadRequest, "code is required")
		return
	}

	a.assistantResponse(w, "analysis", a.assistant.Debug(r.Context(), req.Code, req.Language, req.Output, req.Question))
}

func (a *API) assistantResponse(w http.ResponseWriter, field string, reply assistant.Reply) {
	switch {
	case errors.Is(reply.Err, assistant.ErrNotConfigured):
		jsonResponse(w, http.StatusServiceUnavailable, map[string]any{"success": false, "error": reply.Text})
	case reply.Failed():
		jsonResponse(w, http.StatusBadGateway, map[string]any{"success": false, "error": reply.Text})
	default:
		jsonResponse(w, http.StatusOK, map[string]any{"success": true, field: reply.Text})
	}
}
