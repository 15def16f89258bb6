package api

import (
	"encoding/json"
	"net/http"

	"github.com/langbot-app/LangBot/internal/platform/webchat"
	"github.com/langbot-app/LangBot/pkg/message"
)

type sendRequest struct {
	SessionType string               `json:"session_type"`
	Message     message.MessageChain `json:"message"`
}

func (s *Server) handleChatSend(w http.ResponseWriter, r *http.Request) {
	if s.webchat == nil {
		writeError(w, http.StatusServiceUnavailable, "webchat not available")
		return
	}

	pipelineUUID := r.PathValue("uuid")

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Message) == 0 {
		writeError(w, http.StatusBadRequest, "empty message")
		return
	}

	reply, err := s.webchat.SendDebugMessage(r.Context(), pipelineUUID, req.SessionType, req.Message)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"messages": []webchat.Message{reply},
	})
}

func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	if s.webchat == nil {
		writeError(w, http.StatusServiceUnavailable, "webchat not available")
		return
	}

	history, err := s.webchat.History(r.PathValue("session_type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if history == nil {
		history = []webchat.Message{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"messages": history,
	})
}

func (s *Server) handleChatReset(w http.ResponseWriter, r *http.Request) {
	if s.webchat == nil {
		writeError(w, http.StatusServiceUnavailable, "webchat not available")
		return
	}

	if err := s.webchat.Reset(r.PathValue("session_type")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}
