package referrals_http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"courier/internal/app/referrals"
)

func RegisterRoutes(r chi.Router, s referrals.Service, l *zap.Logger) {
	handler := NewReferralHandler(s, l.With(zap.String("component", "ReferralHTTPHandler")))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Courier service is healthy!"))
	})

	r.Route("/api/referrals", func(r chi.Router) {
		r.Post("/", handler.SubmitReferralHandler)
		r.Get("/{key}", handler.GetReferralHandler)
	})
}
