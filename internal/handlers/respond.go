package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/PortNumber53/detective-directory/backend/internal/entitlement"
	"github.com/PortNumber53/detective-directory/backend/internal/service"
	"github.com/PortNumber53/detective-directory/backend/internal/store"
)

const maxBodyBytes = 1 << 20

var validate = validator.New()

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// decodeBody reads a JSON body into dst and runs struct validation.
func decodeBody(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	return decodeAndValidate(body, dst)
}

func decodeAndValidate(body []byte, dst any) error {
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("invalid JSON payload: %w", err)
	}
	if err := validate.Struct(dst); err != nil {
		return validationMessage(err)
	}
	return nil
}

func validationMessage(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return errors.New(strings.Join(parts, "; "))
}

// statusFor maps domain errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrDetectiveNotFound),
		errors.Is(err, store.ErrPaymentOrderNotFound),
		errors.Is(err, store.ErrPlanNotFound),
		errors.Is(err, store.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidCycle),
		errors.Is(err, service.ErrInvalidBadge),
		errors.Is(err, service.ErrUnknownAddon),
		errors.Is(err, service.ErrFreePlanPurchase),
		errors.Is(err, entitlement.ErrInvalidPlan):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrPlanUnavailable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrNotDowngrade),
		errors.Is(err, service.ErrConcurrentUpdate),
		errors.Is(err, store.ErrJobNotCancellable):
		return http.StatusConflict
	case errors.Is(err, entitlement.ErrMissingFreePlan):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError logs unexpected failures and writes the mapped status.
func writeServiceError(w http.ResponseWriter, log *zap.Logger, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error(op+" failed", zap.Error(err))
		if status == http.StatusInternalServerError {
			writeError(w, status, "internal error")
			return
		}
	}
	writeError(w, status, err.Error())
}

func orNop(log *zap.Logger) *zap.Logger {
	if log == nil {
		return zap.NewNop()
	}
	return log
}
