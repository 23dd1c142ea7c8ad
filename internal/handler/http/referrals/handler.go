package referrals_http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"courier/internal/app/referrals"
	"courier/internal/domain"
	"courier/internal/util"
)

type ReferralHandler struct {
	service referrals.Service
	logger  *zap.Logger
}

func NewReferralHandler(s referrals.Service, l *zap.Logger) *ReferralHandler {
	return &ReferralHandler{service: s, logger: l}
}

type SubmitReferralRequest struct {
	Name string `json:"name"`
}

type ReferralResponse struct {
	Key       string `json:"key"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func toResponse(r *domain.Referral) ReferralResponse {
	return ReferralResponse{
		Key:       r.Key.String(),
		Name:      r.Name,
		Status:    r.Status.String(),
		CreatedAt: r.CreatedAt.Format(time.RFC3339),
		UpdatedAt: r.UpdatedAt.Format(time.RFC3339),
	}
}

// SubmitReferralHandler accepts an empty body; the name is then generated.
func (h *ReferralHandler) SubmitReferralHandler(w http.ResponseWriter, r *http.Request) {
	var req SubmitReferralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.logger.Error("Invalid request body for SubmitReferral", zap.Error(err))
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	referral, err := h.service.SubmitReferral(r.Context(), req.Name)
	if err != nil {
		h.logger.Error("Failed to submit referral", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	h.logger.Info("Referral accepted", zap.String("referral_key", referral.Key.String()))

	writeJSON(w, h.logger, http.StatusAccepted, toResponse(referral))
}

func (h *ReferralHandler) GetReferralHandler(w http.ResponseWriter, r *http.Request) {
	keyStr := chi.URLParam(r, "key")
	key, err := util.ParseUUID(keyStr)
	if err != nil {
		h.logger.Warn("Invalid referral key format", zap.String("key", keyStr), zap.Error(err))
		http.Error(w, "Invalid referral key format", http.StatusBadRequest)
		return
	}

	referral, err := h.service.GetReferral(r.Context(), key)
	if err != nil {
		if errors.Is(err, domain.ErrReferralNotFound) {
			http.Error(w, "Referral not found", http.StatusNotFound)
			return
		}
		h.logger.Error("Failed to get referral", zap.String("referral_key", keyStr), zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, h.logger, http.StatusOK, toResponse(referral))
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("Failed to write JSON response", zap.Error(err))
	}
}
