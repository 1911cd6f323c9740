package main

import (
	"context"
	"log/slog"

	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/approval"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/config"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/flags"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/registry"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/unit"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/pkg/api"
)

const supervisorID = "operations"

type fleetDeps struct {
	Registry  *registry.Registry
	Approvals *approval.Manager
	Notifier  api.Notifier
	Flags     *flags.Set
	Logger    *slog.Logger
}

// buildFleet registers the operations supervisor and one subordinate per
// configured unit. Without configured units, every unit the routing table
// can target is served. Subordinates acknowledge their work item; business
// logic is plugged in by replacing their body.
func buildFleet(cfg *config.Config, deps fleetDeps) (*unit.Supervisor, error) {
	sup, err := unit.NewSupervisor(unit.SupervisorConfig{
		Unit:     api.UnitConfig{ID: supervisorID, Name: "Operations", Enabled: true},
		Registry: deps.Registry,
		Approver: deps.Approvals,
		Policy:   cfg.Approval,
		Notifier: deps.Notifier,
		Flags:    deps.Flags,
		Logger:   deps.Logger,
	})
	if err != nil {
		return nil, err
	}

	units := cfg.Units
	if len(units) == 0 {
		for _, id := range cfg.Routing.Units() {
			units = append(units, api.UnitConfig{ID: id, Name: id, Enabled: true})
		}
	}
	for _, uc := range units {
		if uc.Name == "" {
			uc.Name = uc.ID
		}
		_, err := sup.Spawn(func(h unit.ParentHandle) api.Unit {
			return unit.NewSubFunc(uc, h, acknowledge)
		})
		if err != nil {
			return nil, err
		}
	}
	deps.Logger.Info("fleet ready", slog.Int("units", len(units)+1))
	return sup, nil
}

func acknowledge(_ context.Context, s *unit.Sub, input map[string]any) api.Result {
	out := make(map[string]any, len(input)+1)
	for k, v := range input {
		out[k] = v
	}
	out["handled_by"] = s.ID()
	return s.Complete(api.OK(out))
}

// logNotifier delivers notifications to the log.
func logNotifier(logger *slog.Logger) api.Notifier {
	return api.NotifierFunc(func(ctx context.Context, n api.Notification) error {
		logger.InfoContext(ctx, "notification",
			slog.String("category", n.Category),
			slog.String("title", n.Title),
			slog.String("priority", n.Priority.String()),
			slog.String("link", n.Link),
		)
		return nil
	})
}
