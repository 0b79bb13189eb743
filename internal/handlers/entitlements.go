package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/PortNumber53/detective-directory/backend/internal/entitlement"
	"github.com/PortNumber53/detective-directory/backend/internal/models"
	"github.com/PortNumber53/detective-directory/backend/internal/service"
)

// EntitlementService is the read and scheduling surface used by the
// detective endpoints.
type EntitlementService interface {
	Resolve(ctx context.Context, detectiveID string) (*service.Resolution, error)
	CheckServiceQuota(ctx context.Context, detectiveID string) (models.QuotaView, error)
	ScheduleChange(ctx context.Context, detectiveID, packageID string, cycle entitlement.BillingCycle) (*service.ScheduleResult, error)
}

// AdminEntitlementService runs the diagnostic passes.
type AdminEntitlementService interface {
	Audit(ctx context.Context) (service.AuditReport, error)
	Repair(ctx context.Context) (service.RepairReport, error)
}

// GetEntitlements returns the detective's current plan, quota and badges.
func GetEntitlements(svc EntitlementService, log *zap.Logger) http.HandlerFunc {
	log = orNop(log)
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := svc.Resolve(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeServiceError(w, log, "resolve entitlements", err)
			return
		}
		writeJSON(w, http.StatusOK, res.View())
	}
}

// GetQuota reports whether the detective may publish another service.
func GetQuota(svc EntitlementService, log *zap.Logger) http.HandlerFunc {
	log = orNop(log)
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := svc.CheckServiceQuota(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeServiceError(w, log, "check quota", err)
			return
		}
		writeJSON(w, http.StatusOK, q)
	}
}

// ScheduleChange queues a downgrade for the end of the current period.
func ScheduleChange(svc EntitlementService, log *zap.Logger) http.HandlerFunc {
	log = orNop(log)
	return func(w http.ResponseWriter, r *http.Request) {
		var req models.ScheduleChangeRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		out, err := svc.ScheduleChange(r.Context(), chi.URLParam(r, "id"), req.PackageID, entitlement.BillingCycle(req.BillingCycle))
		if err != nil {
			writeServiceError(w, log, "schedule change", err)
			return
		}
		status := http.StatusAccepted
		if out.Applied {
			status = http.StatusOK
		}
		writeJSON(w, status, out)
	}
}

// AuditEntitlements lists stored state that disagrees with the resolver.
func AuditEntitlements(svc AdminEntitlementService, log *zap.Logger) http.HandlerFunc {
	log = orNop(log)
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := svc.Audit(r.Context())
		if err != nil {
			writeServiceError(w, log, "audit entitlements", err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

// RepairEntitlements writes the resolver's view back for drifted detectives.
func RepairEntitlements(svc AdminEntitlementService, log *zap.Logger) http.HandlerFunc {
	log = orNop(log)
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := svc.Repair(r.Context())
		if err != nil {
			writeServiceError(w, log, "repair entitlements", err)
			return
		}
		log.Info("entitlement repair run",
			adminField(r),
			zap.Int("repaired", report.Repaired),
			zap.Int("failed", report.Failed))
		writeJSON(w, http.StatusOK, report)
	}
}
