package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/solsync-africa/dispatch/internal/dispatch"
	"github.com/solsync-africa/dispatch/internal/domain"
)

type technicianCounter interface {
	Count(ctx context.Context) (int, error)
}

// seedTechnicians registers the roster when no technician exists yet. The
// durable store decides when one is configured, the registry otherwise.
// It returns how many technicians were stored.
func seedTechnicians(ctx context.Context, controller *dispatch.Controller, stored technicianCounter, roster []domain.Technician, logger *zap.Logger) (int, error) {
	existing := len(controller.ListTechnicians())
	if stored != nil {
		n, err := stored.Count(ctx)
		if err != nil {
			return 0, fmt.Errorf("count stored technicians: %w", err)
		}
		existing = n
	}
	if existing > 0 || len(roster) == 0 {
		return 0, nil
	}

	seeded := 0
	for _, t := range roster {
		if _, err := controller.UpsertTechnician(ctx, t); err != nil {
			logger.Warn("seed technician not stored", zap.String("technician_id", t.ID), zap.Error(err))
			continue
		}
		seeded++
	}
	logger.Info("technician roster seeded", zap.Int("technicians", seeded))
	return seeded, nil
}
