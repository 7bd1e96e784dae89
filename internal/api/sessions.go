package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/matheus3301/wpphub/internal/qr"
	"github.com/matheus3301/wpphub/internal/session"
	"github.com/matheus3301/wpphub/internal/status"
	"go.uber.org/zap"
)

const qrSize = 256

type userRequest struct {
	UserID string `json:"user_id"`
}

type sendRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

type statusResponse struct {
	UserID string       `json:"user_id"`
	Status status.State `json:"status"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if err := parseJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := session.ValidateUserID(req.UserID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.connectWait)
	defer cancel()
	err := s.sessions.ConnectUser(ctx, req.UserID)
	var attemptErr *session.AttemptError
	switch {
	case errors.Is(err, session.ErrShutdown):
		writeError(w, http.StatusServiceUnavailable, "shutting down")
		return
	case errors.As(err, &attemptErr):
		// The entry keeps retrying on its own.
		s.logger.Warn("first connect attempt failed", zap.String("user_id", req.UserID), zap.Error(err))
	case err != nil:
		s.logger.Error("connect failed", zap.String("user_id", req.UserID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "connect failed")
		return
	}
	snap := s.sessions.Snapshot(req.UserID)
	writeJSON(w, http.StatusAccepted, statusResponse{UserID: req.UserID, Status: snap.Status})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if err := parseJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := session.ValidateUserID(req.UserID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.sessions.DisconnectUser(r.Context(), req.UserID); err != nil {
		s.logger.Error("disconnect failed", zap.String("user_id", req.UserID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "disconnect failed")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{UserID: req.UserID, Status: status.Disconnected})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUser(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.sessions.Snapshot(userID))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.Snapshots()})
}

// handleQR serves the pending pairing code as a PNG, or as JSON with
// ?format=code for clients that render it themselves.
func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUser(w, r)
	if !ok {
		return
	}
	snap := s.sessions.Snapshot(userID)
	if snap.Status != status.AwaitingPairing || snap.PairingCode == "" {
		writeError(w, http.StatusNotFound, "no pending pairing code")
		return
	}

	if r.URL.Query().Get("format") == "code" {
		writeJSON(w, http.StatusOK, map[string]string{"user_id": userID, "code": snap.PairingCode})
		return
	}
	png, err := qr.PNG(snap.PairingCode, qrSize)
	if err != nil {
		s.logger.Error("render qr", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "qr rendering failed")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUser(w, r)
	if !ok {
		return
	}
	var req sendRequest
	if err := parseJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.To) == "" || req.Text == "" {
		writeError(w, http.StatusBadRequest, "to and text are required")
		return
	}

	id, err := s.sessions.SendText(r.Context(), userID, req.To, req.Text)
	switch {
	case errors.Is(err, session.ErrNotConnected):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrInvalidAddress):
		writeError(w, http.StatusBadRequest, session.ErrInvalidAddress.Error())
	case err != nil:
		s.logger.Error("send failed", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "send failed")
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
	}
}

func pathUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.PathValue("user_id")
	if err := session.ValidateUserID(userID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return userID, true
}
