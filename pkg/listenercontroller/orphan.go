package listenercontroller

import (
	"context"
	"fmt"

	"github.com/terrapod/terrapod/internal/telemetry"
	"github.com/terrapod/terrapod/pkg/run"
)

// recoverOrphans implements §4.6's orphan detection: the only mechanism that
// reconciles this listener's own previously-owned rows with the Jobs that
// may or may not still be running for them. Runs synchronously before the
// controller admits any new work.
func (c *Controller) recoverOrphans(ctx context.Context) error {
	owned, err := c.transport.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("listing runs owned by this listener: %w", err)
	}

	for _, r := range owned {
		c.recoverOne(ctx, r)
	}
	return nil
}

func (c *Controller) recoverOne(ctx context.Context, r run.Run) {
	phase := run.PhasePlan
	if r.ApplyStartedAt != nil {
		phase = run.PhaseApply
	}

	name := JobName(r.ID.String(), phase)
	result, err := c.jobs.Query(ctx, name)
	if err != nil {
		c.logger.Error("querying job during orphan recovery", "run_id", r.ID, "job", name, "error", err)
		return
	}

	switch result {
	case JobRunning:
		telemetry.OrphanRecoveriesTotal.WithLabelValues("resumed").Inc()
		taskCtx, cancel := context.WithCancel(context.Background())
		c.mu.Lock()
		c.active[r.ID] = cancel
		c.mu.Unlock()
		go c.resumeWatch(taskCtx, r, phase)
	case JobSucceeded:
		telemetry.OrphanRecoveriesTotal.WithLabelValues("succeeded").Inc()
		if c.reconcileResult(ctx, r.ID, phase, JobSucceeded, "Recovered: ") && phase == run.PhasePlan {
			c.resumeAfterPlan(ctx, r)
		}
	case JobFailed:
		telemetry.OrphanRecoveriesTotal.WithLabelValues("failed").Inc()
		c.fail(ctx, r.ID, phase, "Recovered: failed")
	case JobMissing:
		telemetry.OrphanRecoveriesTotal.WithLabelValues("missing").Inc()
		c.fail(ctx, r.ID, phase, "Listener crashed and Job not found")
	}
}

// resumeWatch picks up watching a Job that was already running when this
// listener restarted, continuing the execution task from wherever the Job
// finishes.
func (c *Controller) resumeWatch(ctx context.Context, r run.Run, phase run.Phase) {
	defer func() {
		c.mu.Lock()
		cancel, ok := c.active[r.ID]
		delete(c.active, r.ID)
		c.mu.Unlock()
		if ok {
			cancel()
		}
	}()

	name := JobName(r.ID.String(), phase)
	result, ok := c.watchJob(ctx, r.ID, phase, name)
	if !ok {
		return
	}

	if !c.reconcileResult(ctx, r.ID, phase, result, "") {
		return
	}
	if phase == run.PhasePlan {
		c.resumeAfterPlan(ctx, r)
	}
}

// resumeAfterPlan continues a recovered run into the confirmation wait and
// apply phase, exactly like a freshly-claimed run would after its own plan
// succeeds.
func (c *Controller) resumeAfterPlan(ctx context.Context, r run.Run) {
	confirmed, err := c.waitForConfirmation(ctx, r.ID)
	if err != nil || !confirmed {
		return
	}
	if _, err := c.transport.Transition(ctx, r.ID, run.StatusApplying, "starting apply"); err != nil {
		c.logger.Error("transitioning recovered run to applying", "run_id", r.ID, "error", err)
		return
	}
	c.runPhase(ctx, r, run.PhaseApply)
}
