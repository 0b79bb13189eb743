package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/PortNumber53/detective-directory/backend/internal/models"
)

// SignatureHeader carries the hex HMAC-SHA256 of a webhook body.
const SignatureHeader = "X-Signature"

// PaymentService creates orders and applies provider events.
type PaymentService interface {
	CreateOrder(ctx context.Context, req models.CreateOrderRequest) (*models.PaymentOrder, error)
	HandleEvent(ctx context.Context, ev models.PaymentEvent) (bool, error)
}

// CreateOrder records a package or add-on purchase awaiting payment.
func CreateOrder(svc PaymentService, log *zap.Logger) http.HandlerFunc {
	log = orNop(log)
	return func(w http.ResponseWriter, r *http.Request) {
		var req models.CreateOrderRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		order, err := svc.CreateOrder(r.Context(), req)
		if err != nil {
			writeServiceError(w, log, "create order", err)
			return
		}
		writeJSON(w, http.StatusCreated, order)
	}
}

// PaymentWebhook verifies and applies a provider event. Redelivered events
// are acknowledged with 200 and applied=false.
func PaymentWebhook(svc PaymentService, secret string, log *zap.Logger) http.HandlerFunc {
	log = orNop(log)
	return func(w http.ResponseWriter, r *http.Request) {
		if secret == "" {
			writeError(w, http.StatusServiceUnavailable, "payment webhook is not configured")
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, "unable to read body")
			return
		}
		if !ValidSignature(secret, body, r.Header.Get(SignatureHeader)) {
			log.Warn("payment webhook signature mismatch", zap.String("remote", r.RemoteAddr))
			writeError(w, http.StatusUnauthorized, "invalid signature")
			return
		}

		var ev models.PaymentEvent
		if err := decodeAndValidate(body, &ev); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		applied, err := svc.HandleEvent(r.Context(), ev)
		if err != nil {
			writeServiceError(w, log, "handle payment event", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"received": true, "applied": applied})
	}
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// ValidSignature compares sig against the expected signature in constant time.
func ValidSignature(secret string, body []byte, sig string) bool {
	sig = strings.TrimPrefix(strings.TrimSpace(sig), "sha256=")
	got, err := hex.DecodeString(sig)
	if err != nil || len(got) == 0 {
		return false
	}
	want, _ := hex.DecodeString(Sign(secret, body))
	return hmac.Equal(got, want)
}
