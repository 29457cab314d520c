package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/tabletalk-ai/tabletalk/pkg/agent"
	"github.com/tabletalk-ai/tabletalk/pkg/llm"
	"github.com/tabletalk-ai/tabletalk/pkg/prompt"
	"github.com/tabletalk-ai/tabletalk/pkg/session"
)

type chatRequest struct {
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
}

type chatResponse struct {
	SessionID     string          `json:"session_id"`
	Messages      []agent.Message `json:"messages"`
	State         agent.State     `json:"state"`
	Clarification string          `json:"clarification,omitempty"`
	Degraded      bool            `json:"degraded,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	ctx := r.Context()
	sessionID := req.SessionID
	if sessionID == "" {
		sess, err := s.agent.CreateSession(ctx, req.UserID)
		if err != nil {
			s.logger.Error("Failed to create session", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to create session")
			return
		}
		sessionID = sess.ID
	}

	result, err := s.agent.Chat(ctx, sessionID, req.Message)
	if err != nil {
		s.writeChatError(w, err)
		return
	}

	messages := result.Messages
	if messages == nil {
		messages = []agent.Message{}
	}
	writeJSON(w, http.StatusOK, chatResponse{
		SessionID:     result.SessionID,
		Messages:      messages,
		State:         result.State,
		Clarification: result.Clarification,
		Degraded:      result.Degraded,
	})
}

// writeChatError maps agent failures to HTTP statuses. Internal detail is
// logged, never returned to the caller.
func (s *Server) writeChatError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, session.ErrSessionBusy):
		writeError(w, http.StatusConflict, "session is processing another request")
	default:
		var budgetErr *prompt.BudgetExceededError
		var modelErr *llm.ModelError
		switch {
		case errors.As(err, &budgetErr):
			s.logger.Error("Prompt budget exceeded", "error", err)
			writeError(w, http.StatusInternalServerError, "request too large to process")
		case errors.As(err, &modelErr):
			s.logger.Error("Model call failed", "error", err)
			writeError(w, http.StatusInternalServerError, "model is unavailable, try again later")
		default:
			s.logger.Error("Chat failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
	}
}

func (s *Server) handleTables(w http.ResponseWriter, r *http.Request) {
	if cached, ok := s.cache.get("tables"); ok {
		writeJSON(w, http.StatusOK, cached)
		return
	}

	tables, err := s.warehouse.ListTables(r.Context())
	if err != nil {
		s.logger.Error("Failed to list tables", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list tables")
		return
	}
	if tables == nil {
		tables = []string{}
	}

	payload := map[string]any{"tables": tables, "num_tables": len(tables)}
	if stats, err := s.warehouse.Stats(r.Context()); err != nil {
		s.logger.Warn("Failed to compute schema stats", "error", err)
	} else {
		payload["total_columns"] = stats.TotalColumns
		payload["total_rows"] = stats.TotalRows
	}
	s.cache.set("tables", payload)
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleTableData(w http.ResponseWriter, r *http.Request) {
	table := r.URL.Query().Get("table_name")
	if table == "" {
		writeError(w, http.StatusBadRequest, "table_name parameter is required")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	cacheKey := "table_data:" + table + ":" + strconv.Itoa(limit)
	if cached, ok := s.cache.get(cacheKey); ok {
		writeJSON(w, http.StatusOK, cached)
		return
	}

	rs, err := s.warehouse.FetchSamples(r.Context(), table, limit)
	if err != nil {
		s.logger.Error("Failed to fetch table data", "table", table, "error", err)
		writeError(w, http.StatusNotFound, "table not found or not readable")
		return
	}

	description, err := s.warehouse.Describe(r.Context(), table)
	if err != nil {
		s.logger.Warn("Failed to describe table", "table", table, "error", err)
	}

	payload := map[string]any{
		"table":       table,
		"columns":     rs.Columns,
		"rows":        rs.Rows,
		"description": description,
	}
	s.cache.set(cacheKey, payload)
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
