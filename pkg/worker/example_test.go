package worker_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/engine"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/registry"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/taskqueue"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/unit"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/pkg/api"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/pkg/worker"
)

// ExampleWorker shows a retry backoff handed to the queue and finished by
// a worker.
func ExampleWorker() {
	ctx := context.Background()

	reg := registry.New()
	calls := 0
	flaky := unit.NewFunc(api.UnitConfig{ID: "stock-sync", Name: "stock sync", Enabled: true},
		func(context.Context, map[string]any) api.Result {
			calls++
			if calls == 1 {
				return api.Fail(api.CodeUpstream, "warehouse API timed out", true)
			}
			return api.OK(map[string]any{"synced": 42})
		})
	if err := reg.Register(flaky, registry.Options{}); err != nil {
		log.Fatal(err)
	}

	queue := taskqueue.NewInMemoryQueue()
	eng, err := engine.New(engine.Config{Registry: reg, Queue: queue, BaseRetryDelay: 10 * time.Millisecond})
	if err != nil {
		log.Fatal(err)
	}
	err = eng.RegisterDefinition(api.WorkflowDefinition{
		ID:            "inventory-sync",
		StartStepID:   "sync",
		ErrorStrategy: api.StrategyRetry,
		Retry:         api.RetryPolicy{MaxRetries: 2},
		Steps:         []api.Step{{ID: "sync", UnitID: "stock-sync", Required: true}},
	})
	if err != nil {
		log.Fatal(err)
	}

	inst, err := eng.Start(ctx, "inventory-sync", nil)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(inst.State, queue.Len())

	w := worker.New(eng, queue)
	if _, err := w.ProcessOne(ctx); err != nil {
		log.Fatal(err)
	}

	inst, err = eng.GetInstance(ctx, inst.ID)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(inst.State, inst.Output["synced"])
	// Output:
	// RUNNING 1
	// COMPLETED 42
}
