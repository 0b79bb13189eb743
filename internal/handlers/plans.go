package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/PortNumber53/detective-directory/backend/internal/entitlement"
	"github.com/PortNumber53/detective-directory/backend/internal/middleware"
	"github.com/PortNumber53/detective-directory/backend/internal/models"
)

// PlanLister lists plans visible to buyers.
type PlanLister interface {
	ListActivePlans(ctx context.Context) ([]models.SubscriptionPlan, error)
}

// PlanWriter stores catalog edits. ListPlans returns every plan, inactive
// ones included, so an edit can be checked against the whole catalog.
type PlanWriter interface {
	ListPlans(ctx context.Context) ([]models.SubscriptionPlan, error)
	UpsertPlan(ctx context.Context, p *models.SubscriptionPlan) error
}

// planRequest makes is_active explicit so an omitted field cannot
// deactivate a plan.
type planRequest struct {
	models.SubscriptionPlan
	IsActive *bool `json:"is_active" validate:"required"`
}

// CatalogInvalidator drops cached catalogs after an edit.
type CatalogInvalidator interface {
	Invalidate(ctx context.Context) error
}

// ListPlans returns the active plans.
func ListPlans(plans PlanLister, log *zap.Logger) http.HandlerFunc {
	log = orNop(log)
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := plans.ListActivePlans(r.Context())
		if err != nil {
			writeServiceError(w, log, "list plans", err)
			return
		}
		if list == nil {
			list = []models.SubscriptionPlan{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"plans": list, "count": len(list)})
	}
}

// UpsertPlan creates or replaces the plan named in the path and invalidates
// the cached catalog. Edits that would leave the catalog unloadable, such as
// deactivating the Free plan, are rejected with 422.
func UpsertPlan(plans PlanWriter, cache CatalogInvalidator, log *zap.Logger) http.HandlerFunc {
	log = orNop(log)
	return func(w http.ResponseWriter, r *http.Request) {
		var req planRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		p := req.SubscriptionPlan
		p.ID = chi.URLParam(r, "id")
		p.IsActive = *req.IsActive
		if p.MonthlyPrice.IsNegative() || p.YearlyPrice.IsNegative() {
			writeError(w, http.StatusBadRequest, "prices must not be negative")
			return
		}

		current, err := plans.ListPlans(r.Context())
		if err != nil {
			writeServiceError(w, log, "upsert plan", err)
			return
		}
		if err := checkCatalogEdit(current, p); err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}

		if err := plans.UpsertPlan(r.Context(), &p); err != nil {
			writeServiceError(w, log, "upsert plan", err)
			return
		}
		if cache != nil {
			if err := cache.Invalidate(r.Context()); err != nil {
				log.Warn("catalog invalidation failed", zap.String("plan_id", p.ID), zap.Error(err))
			}
		}

		log.Info("plan saved", zap.String("plan_id", p.ID), zap.Bool("active", p.IsActive), adminField(r))
		writeJSON(w, http.StatusOK, p)
	}
}

// checkCatalogEdit builds the catalog current would become with edit applied.
func checkCatalogEdit(current []models.SubscriptionPlan, edit models.SubscriptionPlan) error {
	out := make([]entitlement.Plan, 0, len(current)+1)
	replaced := false
	for _, p := range current {
		if p.ID == edit.ID {
			p = edit
			replaced = true
		}
		out = append(out, p.ToEntitlement())
	}
	if !replaced {
		out = append(out, edit.ToEntitlement())
	}
	_, err := entitlement.NewCatalog(out)
	return err
}

func adminField(r *http.Request) zap.Field {
	subject, _ := middleware.AdminSubject(r.Context())
	return zap.String("admin", subject)
}
