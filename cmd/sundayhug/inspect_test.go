package main

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/approval"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/config"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/flags"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/priority"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/registry"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/pkg/api"
)

func init() {
	color.NoColor = true
}

func TestPrintDecision(t *testing.T) {
	var buf bytes.Buffer
	printDecision(&buf,
		api.RoutingDecision{TargetUnitID: "order", Confidence: 0.95, Reason: api.ReasonEntity},
		true,
		map[string][]string{"order_id": {"ORD-20250201-0001"}, "customer_id": {"CUS-000123"}},
	)
	assert.Equal(t, "→ order (entity_based, confidence 0.95)\n"+
		"  auto-respond: yes\n"+
		"  customer_id: CUS-000123\n"+
		"  order_id: ORD-20250201-0001\n", buf.String())
}

func TestPrintTier(t *testing.T) {
	var buf bytes.Buffer
	s := priority.NewScorer(priority.DefaultConfig())
	printTier(&buf, s.ScoreItem(api.WorkItem{}, priority.Signals{IsVIP: true}))
	printTier(&buf, s.ScoreItem(api.WorkItem{}, priority.Signals{}).Declare(api.P0Critical))
	assert.Equal(t, "P1_URGENT\nP0_CRITICAL (declared)\n", buf.String())
}

func TestValidatePaths(t *testing.T) {
	dir := t.TempDir()
	good := `id: restock
start: check
steps:
  - id: check
    unit: inventory
`
	cyclic := `id: loop
start: a
steps:
  - id: a
    unit: cs
    transitions:
      - target: a
        default: true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(good), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte(cyclic), 0o600))

	var buf bytes.Buffer
	err := validatePaths(&buf, []string{filepath.Join(dir, "a.yaml")})
	require.NoError(t, err)
	assert.Equal(t, "✓ restock (1 steps)\n", buf.String())

	buf.Reset()
	err = validatePaths(&buf, []string{dir, filepath.Join(dir, "missing.yaml")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 workflow definition(s)")
	assert.Contains(t, buf.String(), "✓ restock")
	assert.Contains(t, buf.String(), "✗ loop")
	assert.Contains(t, buf.String(), "cycle detected")
	assert.Contains(t, buf.String(), "✗ "+filepath.Join(dir, "missing.yaml"))
}

func TestBuildFleet_DefaultsToRoutingUnits(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	reg := registry.New()
	sup, err := buildFleet(cfg, fleetDeps{
		Registry:  reg,
		Approvals: approval.NewManager(approval.Config{}),
		Notifier:  api.NoopNotifier{},
		Flags:     flags.New(nil),
		Logger:    discardLogger(),
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, cfg.Routing.Units(), sup.Children())

	kind, err := reg.Kind(supervisorID)
	require.NoError(t, err)
	assert.Equal(t, api.KindOrchestrator, kind)

	rec, err := reg.Execute(t.Context(), "inventory", map[string]any{"sku": "BLANKET-01"})
	require.NoError(t, err)
	require.True(t, rec.Result.Success)
	assert.Equal(t, "inventory", rec.Result.Data["handled_by"])
	assert.Equal(t, "BLANKET-01", rec.Result.Data["sku"])

	res, ok := sup.LastResult("inventory")
	require.True(t, ok, "completion is reported to the supervisor")
	assert.True(t, res.Success)
}

func TestBuildFleet_ConfiguredUnits(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Units = []api.UnitConfig{{ID: "refund", Enabled: true, ApprovalLevel: api.ApprovalHigh}}

	reg := registry.New()
	_, err = buildFleet(cfg, fleetDeps{Registry: reg, Logger: discardLogger()})
	require.NoError(t, err)
	assert.Equal(t, []string{supervisorID, "refund"}, reg.IDs())

	info, err := reg.Describe("refund")
	require.NoError(t, err)
	assert.Equal(t, "refund", info.Name)
	assert.Equal(t, supervisorID, info.ParentID)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
