package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"chatsync/internal/domain"
	"chatsync/internal/service"
)

type messageCreateRequest struct {
	ClientRef string      `json:"client_ref"`
	Content   string      `json:"content"`
	Kind      domain.Kind `json:"kind"`
	// CreatedAt is the client's clock and informational only.
	CreatedAt time.Time `json:"created_at"`
}

type statusUpdateRequest struct {
	Status domain.Status `json:"status"`
}

type markReadRequest struct {
	At time.Time `json:"at"`
}

func handleCreateMessage(msgSvc *service.MessageService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req messageCreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
			return
		}

		msg, err := msgSvc.CreateMessage(r.Context(), service.MessageCreateInput{
			ConversationID: chi.URLParam(r, "conversationID"),
			ClientRef:      req.ClientRef,
			Content:        req.Content,
			Kind:           req.Kind,
		}, CurrentUser(r))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, msg)
	}
}

func handleListMessages(msgSvc *service.MessageService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := queryInt(r, "limit")
		if err != nil {
			writeError(w, r, err)
			return
		}
		var before domain.Cursor
		if v := r.URL.Query().Get("before"); v != "" {
			at, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid before"})
				return
			}
			before = domain.Cursor{CreatedAt: at, ID: r.URL.Query().Get("before_id")}
		}

		page, err := msgSvc.ListMessages(r.Context(), chi.URLParam(r, "conversationID"), CurrentUser(r), before, limit)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, page)
	}
}

func handleUpdateStatus(msgSvc *service.MessageService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req statusUpdateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
			return
		}

		err := msgSvc.UpdateStatus(r.Context(),
			chi.URLParam(r, "conversationID"), chi.URLParam(r, "messageID"), CurrentUser(r), req.Status)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
	}
}

func handleMarkConversationRead(msgSvc *service.MessageService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req markReadRequest
		// The body is optional: without it everything up to now is read.
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
			return
		}

		if err := msgSvc.MarkAllReadInConversation(r.Context(), chi.URLParam(r, "conversationID"), CurrentUser(r), req.At); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
	}
}
