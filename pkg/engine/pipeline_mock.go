package engine

import (
	"context"

	"github.com/meterwise/cloudmeter/pkg/model"
	"github.com/meterwise/cloudmeter/pkg/queue"
	"github.com/meterwise/cloudmeter/pkg/store"
)

// buildMockPipeline wires the whole engine over in-memory stores and
// queues. No cloud credentials are touched; inspection launches succeed
// without doing anything and verdicts come only from the verdict queue.
func buildMockPipeline(e *Engine) error {
	if e.Store == nil {
		e.Store = store.NewMemory()
	}
	visibility := e.cfg.Queues.VisibilityTimeout
	deliveries := e.cfg.Queues.MaxDeliveries
	e.Events = queue.NewMemory(visibility, deliveries)
	e.Inspect = queue.NewMemory(visibility, deliveries)
	e.Verdicts = queue.NewMemory(visibility, deliveries)
	e.Logs = queue.NewMemory(visibility, deliveries)

	e.launcher = nopLauncher{}
	e.Accounts = &Accounts{}
	return nil
}

// nopLauncher stands in for the cloud-side inspection work in mock mode.
type nopLauncher struct{}

func (nopLauncher) Prepare(context.Context, model.MachineImage) error { return nil }
func (nopLauncher) Start(context.Context, model.MachineImage) error   { return nil }
