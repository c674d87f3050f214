package queue

import (
	"context"

	"github.com/google/uuid"

	"github.com/terrapod/terrapod/internal/apierr"
	"github.com/terrapod/terrapod/internal/telemetry"
	"github.com/terrapod/terrapod/pkg/run"
)

// Claimer performs the LWQ claim: one competitive-consumer attempt per call,
// instrumented with the claim/empty-claim counters a poll_loop tick reports.
type Claimer struct {
	engine *run.Engine
}

func NewClaimer(engine *run.Engine) *Claimer {
	return &Claimer{engine: engine}
}

// Claim attempts one SKIP LOCKED claim for pool, assigning listenerID as the
// new owner and transitioning the claimed run to planning. Returns
// (run.Run{}, false, nil) when no queued run is available — this is not an
// error, just an empty poll tick.
func (c *Claimer) Claim(ctx context.Context, pool string, poolRef, listenerID uuid.UUID) (run.Run, bool, error) {
	r, err := c.engine.ClaimAndTransitionToPlanning(ctx, poolRef, listenerID)
	if err != nil {
		if ae, ok := apierr.As(err); ok && ae.Kind == apierr.KindNotFound {
			telemetry.QueueClaimEmptyTotal.WithLabelValues(pool).Inc()
			return run.Run{}, false, nil
		}
		return run.Run{}, false, err
	}

	telemetry.QueueClaimsTotal.WithLabelValues(pool).Inc()
	return r, true, nil
}
