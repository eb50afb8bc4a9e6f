package webchat

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/nano-chat/pkg/app"
	"github.com/go-go-golems/nano-chat/pkg/chatevents"
	"github.com/go-go-golems/nano-chat/pkg/conversation"
	"github.com/go-go-golems/nano-chat/pkg/inference/engine"
	"github.com/go-go-golems/nano-chat/pkg/inference/sessionpool"
	"github.com/go-go-golems/nano-chat/pkg/persistence/chatstore"
)

// ChatRequestBody is the JSON body of POST /api/chat.
type ChatRequestBody struct {
	ConvID      string           `json:"conv_id"`
	Prompt      string           `json:"prompt"`
	Attachments []app.Attachment `json:"attachments,omitempty"`
}

// EditRequestBody is the JSON body of POST /api/conversations/{id}/messages/{index}/edit.
type EditRequestBody struct {
	Prompt string `json:"prompt"`
}

// RegenerateRequestBody is the optional JSON body of POST /api/conversations/{id}/regenerate.
// A missing index regenerates the last reply.
type RegenerateRequestBody struct {
	Index *int `json:"index,omitempty"`
}

// TurnStarted is the response of every endpoint that starts a background turn.
type TurnStarted struct {
	ConvID string `json:"conv_id"`
	TurnID string `json:"turn_id"`
}

type ConversationResponse struct {
	Conversation chatstore.ConversationRecord `json:"conversation"`
	Messages     []engine.Message             `json:"messages"`
	// SessionExpiresAt is set while the conversation holds a pooled session.
	SessionExpiresAt *time.Time `json:"session_expires_at,omitempty"`
}

// RequestError lets handlers pick an HTTP status and a client-facing message.
type RequestError struct {
	Status    int
	ClientMsg string
	Err       error
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.ClientMsg + ": " + e.Err.Error()
	}
	return e.ClientMsg
}

func (e *RequestError) Unwrap() error { return e.Err }

func badRequest(msg string, err error) error {
	return &RequestError{Status: http.StatusBadRequest, ClientMsg: msg, Err: err}
}

// statusFor maps application errors onto HTTP statuses.
func statusFor(err error) (int, string) {
	var rerr *RequestError
	switch {
	case errors.As(err, &rerr) && rerr != nil:
		status := rerr.Status
		if status == 0 {
			status = http.StatusInternalServerError
		}
		return status, rerr.ClientMsg
	case errors.Is(err, chatstore.ErrConversationNotFound):
		return http.StatusNotFound, "conversation not found"
	case errors.Is(err, app.ErrEmptyMessage):
		return http.StatusBadRequest, "missing prompt"
	case errors.Is(err, app.ErrInvalidIndex):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, sessionpool.ErrEngineUnavailable), errors.Is(err, sessionpool.ErrPoolUnavailable):
		return http.StatusServiceUnavailable, err.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("component", "webchat").Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Str("component", "webchat").Msg("failed to write response")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil {
		return badRequest("missing body", nil)
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4*app.MaxAttachmentSize))
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid json body", err)
	}
	return nil
}

// ensureChatReady rejects turns while the engine is unavailable, before any state changes.
func (s *Server) ensureChatReady() error {
	st := s.app.Status()
	if st.Ready {
		return nil
	}
	msg := st.Notice
	if msg == "" {
		msg = "inference engine not ready"
	}
	return &RequestError{Status: http.StatusServiceUnavailable, ClientMsg: msg, Err: sessionpool.ErrEngineUnavailable}
}

func (s *Server) requireConversation(ctx context.Context, convID string) error {
	_, ok, err := s.app.Store().GetConversation(ctx, convID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(chatstore.ErrConversationNotFound, "conversation %s", convID)
	}
	return nil
}

// runTurnInBackground starts a turn whose chunks go to the conversation topic. Failures
// the coordinator did not already publish are reported as an error event.
func (s *Server) runTurnInBackground(convID, turnID string, run func(ctx context.Context, ref app.TurnRef) (app.SendResult, error)) {
	s.startTurn(func(ctx context.Context) {
		res, err := run(ctx, app.TurnRef{Slot: convID, ID: turnID})
		if err == nil {
			log.Debug().Str("component", "webchat").Str("conv_id", convID).Str("turn_id", turnID).Bool("aborted", res.Aborted).Msg("turn finished")
			return
		}
		var gerr *conversation.GenerationError
		if errors.As(err, &gerr) {
			return
		}
		log.Warn().Err(err).Str("component", "webchat").Str("conv_id", convID).Str("turn_id", turnID).Msg("turn failed")
		if perr := s.publisher.Publish(context.WithoutCancel(ctx), chatevents.Event{
			Type:   chatevents.EventError,
			ConvID: convID,
			TurnID: turnID,
			Text:   res.Text,
			Error:  err.Error(),
		}); perr != nil {
			log.Warn().Err(perr).Str("component", "webchat").Str("conv_id", convID).Msg("failed to publish turn error")
		}
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var body ChatRequestBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	prompt := strings.TrimSpace(body.Prompt)
	if prompt == "" && len(body.Attachments) == 0 {
		writeError(w, r, badRequest("missing prompt", nil))
		return
	}
	if _, err := app.BuildUserMessage(prompt, body.Attachments); err != nil {
		writeError(w, r, badRequest(err.Error(), err))
		return
	}
	if err := s.ensureChatReady(); err != nil {
		writeError(w, r, err)
		return
	}

	convID := strings.TrimSpace(body.ConvID)
	if convID == "" {
		rec, err := s.app.NewConversation(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		convID = rec.ID
	} else if err := s.requireConversation(r.Context(), convID); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.hub.Prepare(r.Context(), convID); err != nil {
		writeError(w, r, err)
		return
	}

	turnID := uuid.NewString()
	s.runTurnInBackground(convID, turnID, func(ctx context.Context, ref app.TurnRef) (app.SendResult, error) {
		return s.app.Send(ctx, app.SendRequest{
			ConvID:      convID,
			Content:     prompt,
			Attachments: body.Attachments,
			Slot:        ref.Slot,
			TurnID:      ref.ID,
		}, s.publisher)
	})
	writeJSON(w, http.StatusAccepted, TurnStarted{ConvID: convID, TurnID: turnID})
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	convID := r.PathValue("id")
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		writeError(w, r, badRequest("invalid message index", err))
		return
	}
	var body EditRequestBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	prompt := strings.TrimSpace(body.Prompt)
	if prompt == "" {
		writeError(w, r, badRequest("missing prompt", nil))
		return
	}
	if err := s.ensureChatReady(); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.app.CheckEdit(r.Context(), convID, index); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.hub.Prepare(r.Context(), convID); err != nil {
		writeError(w, r, err)
		return
	}

	turnID := uuid.NewString()
	s.runTurnInBackground(convID, turnID, func(ctx context.Context, ref app.TurnRef) (app.SendResult, error) {
		return s.app.Edit(ctx, convID, index, prompt, ref, s.publisher)
	})
	writeJSON(w, http.StatusAccepted, TurnStarted{ConvID: convID, TurnID: turnID})
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	convID := r.PathValue("id")
	var body RegenerateRequestBody
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &body); err != nil {
			writeError(w, r, err)
			return
		}
	}
	index := -1
	if body.Index != nil {
		index = *body.Index
	}
	if err := s.ensureChatReady(); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.app.CheckRegenerate(r.Context(), convID, index); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.hub.Prepare(r.Context(), convID); err != nil {
		writeError(w, r, err)
		return
	}

	turnID := uuid.NewString()
	s.runTurnInBackground(convID, turnID, func(ctx context.Context, ref app.TurnRef) (app.SendResult, error) {
		return s.app.Regenerate(ctx, convID, index, ref, s.publisher)
	})
	writeJSON(w, http.StatusAccepted, TurnStarted{ConvID: convID, TurnID: turnID})
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ConvID string `json:"conv_id"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	convID := strings.TrimSpace(body.ConvID)
	if convID == "" {
		writeError(w, r, badRequest("missing conv_id", nil))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"aborted": s.app.Abort(convID)})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Status())
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.app.Models(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	list, err := s.app.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []chatstore.ConversationRecord{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleNewConversation(w http.ResponseWriter, r *http.Request) {
	rec, err := s.app.NewConversation(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	rec, msgs, err := s.app.Conversation(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []engine.Message{}
	}
	resp := ConversationResponse{Conversation: rec, Messages: msgs}
	if deadline, ok := s.app.SessionDeadline(rec.ID); ok {
		resp.SessionExpiresAt = &deadline
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRenameConversation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(body.Title) == "" {
		writeError(w, r, badRequest("missing title", nil))
		return
	}
	if err := s.app.Rename(r.Context(), r.PathValue("id"), body.Title); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	convID := r.PathValue("id")
	if err := s.requireConversation(r.Context(), convID); err != nil {
		writeError(w, r, err)
		return
	}
	u, err := s.app.Usage(convID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"input_quota": u.InputQuota,
		"input_usage": u.InputUsage,
		"left":        u.Left(),
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	convID := strings.TrimSpace(r.URL.Query().Get("conv_id"))
	if convID == "" {
		writeError(w, r, badRequest("missing conv_id", nil))
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	if err := s.hub.AttachWebSocket(s.baseCtx, convID, conn); err != nil {
		log.Warn().Err(err).Str("component", "webchat").Str("conv_id", convID).Msg("failed to attach websocket")
		_ = conn.WriteMessage(websocket.TextMessage, encodeFrame(Frame{Type: "error", ConvID: convID}))
		_ = conn.Close()
	}
}
