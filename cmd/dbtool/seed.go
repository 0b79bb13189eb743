package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/PortNumber53/detective-directory/backend/internal/entitlement"
	"github.com/PortNumber53/detective-directory/backend/internal/models"
)

type planWriter interface {
	UpsertPlan(ctx context.Context, p *models.SubscriptionPlan) error
}

type seedFile struct {
	Plans []models.SubscriptionPlan `yaml:"plans"`
}

// loadPlans parses a seed file and checks it would form a valid catalog.
func loadPlans(r io.Reader) ([]models.SubscriptionPlan, error) {
	var f seedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("seed file is empty")
		}
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	if len(f.Plans) == 0 {
		return nil, fmt.Errorf("seed file has no plans")
	}

	v := validator.New()
	converted := make([]entitlement.Plan, 0, len(f.Plans))
	for i := range f.Plans {
		p := &f.Plans[i]
		if p.ID == "" {
			return nil, fmt.Errorf("plan %d (%s): id is required", i, p.Name)
		}
		if err := v.Struct(p); err != nil {
			return nil, fmt.Errorf("plan %s: %w", p.ID, err)
		}
		converted = append(converted, p.ToEntitlement())
	}
	if _, err := entitlement.NewCatalog(converted); err != nil {
		return nil, err
	}
	return f.Plans, nil
}

func seedPlans(ctx context.Context, w planWriter, plans []models.SubscriptionPlan) (int, error) {
	for i := range plans {
		if err := w.UpsertPlan(ctx, &plans[i]); err != nil {
			return i, fmt.Errorf("upsert plan %s: %w", plans[i].ID, err)
		}
	}
	return len(plans), nil
}

func seedPlansFromFile(ctx context.Context, w planWriter, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	plans, err := loadPlans(f)
	if err != nil {
		return 0, err
	}
	return seedPlans(ctx, w, plans)
}
