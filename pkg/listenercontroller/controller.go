package listenercontroller

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/terrapod/terrapod/pkg/run"
)

const (
	heartbeatInterval = 60 * time.Second
	pollInterval      = 5 * time.Second
	shutdownGrace     = 120 * time.Second
	confirmationPoll  = 5 * time.Second
	phaseTimeout      = time.Hour
)

// Config holds the controller's static runtime parameters.
type Config struct {
	ListenerID         uuid.UUID
	PoolRef            uuid.UUID
	PoolName           string
	MaxConcurrent      int
	RunnerDefinitions  json.RawMessage
	ConfirmationWindow time.Duration
	APIURL             string
	Version            string
	JobSpec            JobSpecConfig
}

// Controller is the long-lived supervisor described in §4.7: it claims
// queued runs for its pool and drives each through a Kubernetes Job per
// phase, reporting liveness and recovering orphaned rows on startup.
type Controller struct {
	cfg Config

	transport RunTransport
	jobs      *K8sJobs
	fetcher   PresignFetcher
	hb        HeartbeatPublisher
	logger    *slog.Logger

	mu     sync.Mutex
	active map[uuid.UUID]context.CancelFunc
}

func NewController(cfg Config, transport RunTransport, jobs *K8sJobs, fetcher PresignFetcher, hb HeartbeatPublisher, logger *slog.Logger) *Controller {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.ConfirmationWindow <= 0 {
		cfg.ConfirmationWindow = time.Hour
	}
	return &Controller{
		cfg:       cfg,
		transport: transport,
		jobs:      jobs,
		fetcher:   fetcher,
		hb:        hb,
		logger:    logger,
		active:    make(map[uuid.UUID]context.CancelFunc),
	}
}

// Run performs orphan recovery synchronously, then spawns the three
// cooperating tasks and blocks until ctx is cancelled, draining active
// execution tasks for shutdownGrace before returning.
func (c *Controller) Run(ctx context.Context) error {
	c.logger.Info("listener controller starting", "listener_id", c.cfg.ListenerID, "pool", c.cfg.PoolName)

	if err := c.recoverOrphans(ctx); err != nil {
		return fmt.Errorf("recovering orphaned runs: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.heartbeatLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		c.pollLoop(ctx)
	}()

	<-ctx.Done()
	c.logger.Info("listener controller shutting down, draining active runs")
	c.shutdownWaiter()
	wg.Wait()
	return nil
}

// heartbeatLoop republishes the controller's full liveness state every 60s,
// with no partial updates.
func (c *Controller) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	publish := func() {
		c.mu.Lock()
		active := len(c.active)
		c.mu.Unlock()

		state := HeartbeatState{
			Capacity:          c.cfg.MaxConcurrent,
			ActiveRuns:        active,
			RunnerDefinitions: c.cfg.RunnerDefinitions,
		}
		if err := c.hb.Publish(ctx, state); err != nil {
			c.logger.Error("publishing heartbeat", "error", err)
		}
	}

	publish()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			publish()
		}
	}
}

// pollLoop attempts one claim every 5s whenever there's spare capacity, and
// spawns an execution task for each successful claim.
func (c *Controller) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			active := len(c.active)
			c.mu.Unlock()
			if active >= c.cfg.MaxConcurrent {
				continue
			}

			r, ok, err := c.transport.Claim(ctx)
			if err != nil {
				c.logger.Error("claim attempt failed", "error", err)
				continue
			}
			if !ok {
				continue
			}

			c.spawn(ctx, r)
		}
	}
}

// shutdownWaiter gives every execution task active at shutdown shutdownGrace
// to finish on its own, then cancels them. No cancellation is sent before the
// grace period ends, the full shutdownGrace is waited even when no task is
// active, and task contexts are not derived from the parent context.
func (c *Controller) shutdownWaiter() {
	c.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(c.active))
	for _, cancel := range c.active {
		cancels = append(cancels, cancel)
	}
	c.mu.Unlock()

	timer := time.NewTimer(shutdownGrace)
	defer timer.Stop()
	<-timer.C

	for _, cancel := range cancels {
		cancel()
	}
}

func (c *Controller) spawn(parent context.Context, r run.Run) {
	taskCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.active[r.ID] = cancel
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.active, r.ID)
			c.mu.Unlock()
			cancel()
		}()
		c.executeRun(taskCtx, r)
	}()
}

// executeRun drives one run through plan and, if confirmed, apply — see
// §4.7's per-run execution task.
func (c *Controller) executeRun(ctx context.Context, r run.Run) {
	logger := c.logger.With("run_id", r.ID)

	ok := c.runPhase(ctx, r, run.PhasePlan)
	if !ok {
		return
	}

	confirmed, err := c.waitForConfirmation(ctx, r.ID)
	if err != nil {
		logger.Error("waiting for confirmation", "error", err)
		return
	}
	if !confirmed {
		logger.Info("run was not confirmed, abandoning execution task")
		return
	}

	if _, err := c.transport.Transition(ctx, r.ID, run.StatusApplying, "starting apply"); err != nil {
		logger.Error("transitioning to applying", "error", err)
		return
	}

	c.runPhase(ctx, r, run.PhaseApply)
}

// runPhase creates and watches one phase's Job, transitioning the run on
// completion. Returns true if the phase succeeded.
func (c *Controller) runPhase(ctx context.Context, r run.Run, phase run.Phase) bool {
	logger := c.logger.With("run_id", r.ID, "phase", phase)

	urls, err := c.fetcher.Fetch(ctx, r.ID, phase)
	if err != nil {
		logger.Error("fetching presigned urls", "error", err)
		c.fail(ctx, r.ID, phase, fmt.Sprintf("fetching presigned urls: %v", err))
		return false
	}

	env := buildJobEnv(r, phase, urls, c.cfg.APIURL, c.cfg.Version)
	spec, err := BuildJobSpec(c.runJobSpec(r), env)
	if err != nil {
		logger.Error("building job spec", "error", err)
		c.fail(ctx, r.ID, phase, fmt.Sprintf("building job spec: %v", err))
		return false
	}

	name := JobName(r.ID.String(), phase)
	if err := c.jobs.Create(ctx, spec); err != nil {
		logger.Error("creating job", "error", err)
		c.fail(ctx, r.ID, phase, fmt.Sprintf("creating job: %v", err))
		return false
	}

	result, ok := c.watchJob(ctx, r.ID, phase, name)
	if !ok {
		return false
	}

	return c.reconcileResult(ctx, r.ID, phase, result, "")
}

// watchJob races Watch's terminal-status poll against a parallel poll of the
// owning run, so a run canceled or discarded out from under a running phase
// (the operator hits cancel while plan or apply is still executing) is
// noticed without waiting for the Job itself to finish. On that path the Job
// is deleted with shutdownGrace instead of watched to natural completion.
// The second return value is false whenever reconcileResult must not run:
// the phase was aborted by cancellation, or watching the Job failed outright.
func (c *Controller) watchJob(ctx context.Context, runID uuid.UUID, phase run.Phase, name string) (JobResult, bool) {
	logger := c.logger.With("run_id", runID, "phase", phase)

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()

	type outcome struct {
		result JobResult
		err    error
	}
	jobDone := make(chan outcome, 1)
	go func() {
		result, err := c.jobs.Watch(watchCtx, name, phaseTimeout)
		jobDone <- outcome{result, err}
	}()

	ticker := time.NewTicker(jobWatchPollInterval)
	defer ticker.Stop()

	for {
		select {
		case o := <-jobDone:
			if o.err != nil && o.result == "" {
				logger.Error("watching job", "error", o.err)
				c.fail(ctx, runID, phase, fmt.Sprintf("watching job: %v", o.err))
				return "", false
			}
			if o.err != nil {
				logger.Warn("job watch returned with error", "result", o.result, "error", o.err)
			}
			return o.result, true

		case <-ticker.C:
			rn, err := c.transport.GetRun(ctx, runID)
			if err != nil {
				logger.Error("checking run status during job watch", "error", err)
				continue
			}
			if rn.Status != run.StatusCanceled && rn.Status != run.StatusDiscarded {
				continue
			}

			logger.Info("run left the active state mid-phase, deleting job", "status", rn.Status)
			stopWatch()
			if err := c.jobs.Delete(ctx, name, int64(shutdownGrace.Seconds())); err != nil {
				logger.Error("deleting job for canceled run", "error", err)
			}
			return "", false

		case <-ctx.Done():
			return "", false
		}
	}
}

// fail transitions a run to errored with the given message, for the phase
// that was in flight.
func (c *Controller) fail(ctx context.Context, runID uuid.UUID, phase run.Phase, message string) {
	if _, err := c.transport.Transition(ctx, runID, run.StatusErrored, message); err != nil {
		c.logger.Error("transitioning run to errored", "run_id", runID, "phase", phase, "error", err)
	}
}

// reconcileResult maps a Job's terminal status onto the run's next RSM
// state for the given phase, per §4.6/§4.7.
func (c *Controller) reconcileResult(ctx context.Context, runID uuid.UUID, phase run.Phase, result JobResult, recoveredPrefix string) bool {
	var target run.Status
	var message string

	switch result {
	case JobSucceeded:
		if phase == run.PhasePlan {
			target = run.StatusPlanned
		} else {
			target = run.StatusApplied
		}
		message = recoveredPrefix + string(phase) + " succeeded"
	case JobFailed:
		target = run.StatusErrored
		message = recoveredPrefix + string(phase) + " failed"
	case JobMissing:
		target = run.StatusErrored
		message = "Listener crashed and Job not found"
	default:
		target = run.StatusErrored
		message = recoveredPrefix + string(phase) + " did not complete within its timeout"
	}

	if _, err := c.transport.Transition(ctx, runID, target, message); err != nil {
		c.logger.Error("transitioning run after job reconciliation", "run_id", runID, "phase", phase, "error", err)
		return false
	}

	return target == run.StatusPlanned || target == run.StatusApplied
}

// waitForConfirmation polls the run's status every 5s until it sees
// confirmed (proceed), any terminal non-applied state (abort), or the
// configured deadline (abort with a timeout message).
func (c *Controller) waitForConfirmation(ctx context.Context, runID uuid.UUID) (bool, error) {
	deadline := time.Now().Add(c.cfg.ConfirmationWindow)
	ticker := time.NewTicker(confirmationPoll)
	defer ticker.Stop()

	for {
		r, err := c.transport.GetRun(ctx, runID)
		if err != nil {
			return false, err
		}

		switch r.Status {
		case run.StatusConfirmed:
			return true, nil
		case run.StatusDiscarded, run.StatusCanceled:
			return false, nil
		}
		if r.Status.Terminal() {
			return false, nil
		}

		if time.Now().After(deadline) {
			c.fail(ctx, runID, run.PhasePlan, "confirmation wait timed out")
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

// runJobSpec overlays a run's inherited resource requests (set at creation
// from its workspace) onto the controller's configured defaults, so each
// Job requests what its workspace asked for rather than a single
// fleet-wide size.
func (c *Controller) runJobSpec(r run.Run) JobSpecConfig {
	spec := c.cfg.JobSpec
	if r.ResourceCPU != "" {
		spec.ResourceCPU = r.ResourceCPU
	}
	if r.ResourceMemory != "" {
		spec.ResourceMemory = r.ResourceMemory
	}
	return spec
}

func buildJobEnv(r run.Run, phase run.Phase, urls PhaseURLs, apiURL, version string) JobEnv {
	env := JobEnv{
		RunID:          r.ID.String(),
		Phase:          phase,
		APIURL:         apiURL,
		Version:        version,
		ConfigURL:      urls.ConfigURL,
		StateURL:       urls.StateURL,
		PlanLogURL:     urls.LogUploadURL,
		PlanFileURL:    urls.PlanFileURL,
		ApplyLogURL:    urls.LogUploadURL,
		StateUploadURL: urls.StateUploadURL,
	}
	if phase == run.PhaseApply {
		env.PlanFileDownloadURL = urls.PlanFileGetURL
	}
	return env
}
