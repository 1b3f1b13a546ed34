package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/telemyapp/aegis-sessions/internal/apperr"
	"github.com/telemyapp/aegis-sessions/internal/model"
	"github.com/telemyapp/aegis-sessions/internal/orchestrator"
	"github.com/telemyapp/aegis-sessions/internal/session"
)

const maxBodyBytes = 1 << 20

type wsConnRequest struct {
	ID         string  `json:"id"`
	ConsumerID string  `json:"consumer_id"`
	ProducerID *string `json:"producer_id"`
}

type createRequest struct {
	AppReleaseUUID string        `json:"app_release_uuid"`
	UserID         *int64        `json:"user_id"`
	WsConn         wsConnRequest `json:"ws_conn"`
	PreferredDCs   []string      `json:"preferred_dcs"`
}

type startRequest struct {
	WsConn wsConnRequest `json:"ws_conn"`
}

type statsRequest struct {
	Stats *string `json:"stats"`
}

type sessionResponse struct {
	ID             string           `json:"id"`
	AppReleaseUUID string           `json:"app_release_uuid"`
	Container      *model.Container `json:"container"`
	Status         string           `json:"status"`
	Updated        string           `json:"updated"`
	UserID         int64            `json:"user_id"`
	WsConn         model.WsConn     `json:"ws_conn"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.UserID == nil {
		s.writeError(w, r, apperr.New(apperr.Validation, map[string]string{"user_id": "required"}))
		return
	}
	id, err := s.sessions.Create(r.Context(), session.CreateInput{
		AppReleaseUUID: strings.TrimSpace(req.AppReleaseUUID),
		UserID:         *req.UserID,
		WsConn:         orchestrator.WsConnRef{ID: req.WsConn.ID, ConsumerID: req.WsConn.ConsumerID},
		PreferredDCs:   req.PreferredDCs,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": id})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	producerID := ""
	if req.WsConn.ProducerID != nil {
		producerID = *req.WsConn.ProducerID
	}
	if err := s.sessions.Start(r.Context(), chi.URLParam(r, "id"), producerID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Pause(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Close(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var req statsRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Stats == nil {
		s.writeError(w, r, apperr.New(apperr.Validation, map[string]string{"stats": "required"}))
		return
	}
	if err := s.telemetry.Submit(r.Context(), chi.URLParam(r, "id"), *req.Stats); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": toSessionResponse(sess)})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	out, err := s.sessions.List(r.Context())
	s.writeSessions(w, r, out, err)
}

func (s *Server) handleListByConsumer(w http.ResponseWriter, r *http.Request) {
	out, err := s.sessions.ListByConsumer(r.Context(), chi.URLParam(r, "id"))
	s.writeSessions(w, r, out, err)
}

func (s *Server) handleListByProducer(w http.ResponseWriter, r *http.Request) {
	out, err := s.sessions.ListByProducer(r.Context(), chi.URLParam(r, "id"))
	s.writeSessions(w, r, out, err)
}

func (s *Server) handleListByUser(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, r, apperr.New(apperr.Validation, map[string]string{"user_id": "must be an integer"}))
		return
	}
	out, err := s.sessions.ListByUser(r.Context(), userID)
	s.writeSessions(w, r, out, err)
}

func (s *Server) writeSessions(w http.ResponseWriter, r *http.Request, sessions []model.Session, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]sessionResponse, 0, len(sessions))
	for i := range sessions {
		out = append(out, toSessionResponse(&sessions[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func toSessionResponse(sess *model.Session) sessionResponse {
	return sessionResponse{
		ID:             sess.ID,
		AppReleaseUUID: sess.AppReleaseUUID,
		Container:      sess.Container,
		Status:         string(sess.Status),
		Updated:        sess.Updated.UTC().Format(time.RFC3339),
		UserID:         sess.UserID,
		WsConn:         sess.WsConn,
	}
}

func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF):
		return apperr.Wrap(apperr.Validation, "request body is required", err)
	default:
		return apperr.Wrap(apperr.Validation, "invalid JSON payload", err)
	}
}
