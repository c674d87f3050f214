// Package queue implements the Leased Work Queue (LWQ): competitive-consumer
// claiming of queued runs via SKIP LOCKED, and listener liveness published to
// Redis with a bounded TTL.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// heartbeatTTL is the liveness window for a listener's published state —
// once it expires, the listener is considered dead.
const heartbeatTTL = 180 * time.Second

func keyPrefix(listenerID uuid.UUID) string {
	return "listener:" + listenerID.String() + ":"
}

// Heartbeat is the full liveness state a listener republishes on every
// heartbeat_loop tick — no partial updates, per §4.7.
type Heartbeat struct {
	Status            string          `json:"status"`
	HeartbeatEpoch    int64           `json:"heartbeat"`
	Capacity          int             `json:"capacity"`
	ActiveRuns        int             `json:"active_runs"`
	RunnerDefinitions json.RawMessage `json:"runner_defs"`
}

// HeartbeatStore writes and reads listener liveness state in Redis.
type HeartbeatStore struct {
	rdb *redis.Client
}

func NewHeartbeatStore(rdb *redis.Client) *HeartbeatStore {
	return &HeartbeatStore{rdb: rdb}
}

// Publish republishes the listener's full liveness state with a fresh TTL.
func (h *HeartbeatStore) Publish(ctx context.Context, listenerID uuid.UUID, hb Heartbeat) error {
	hb.Status = "online"
	hb.HeartbeatEpoch = time.Now().Unix()

	prefix := keyPrefix(listenerID)
	pipe := h.rdb.Pipeline()
	pipe.Set(ctx, prefix+"status", hb.Status, heartbeatTTL)
	pipe.Set(ctx, prefix+"heartbeat", strconv.FormatInt(hb.HeartbeatEpoch, 10), heartbeatTTL)
	pipe.Set(ctx, prefix+"capacity", strconv.Itoa(hb.Capacity), heartbeatTTL)
	pipe.Set(ctx, prefix+"active_runs", strconv.Itoa(hb.ActiveRuns), heartbeatTTL)
	pipe.Set(ctx, prefix+"runner_defs", string(hb.RunnerDefinitions), heartbeatTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publishing listener heartbeat: %w", err)
	}
	return nil
}

// IsAlive reports whether a listener's status key has not yet expired.
func (h *HeartbeatStore) IsAlive(ctx context.Context, listenerID uuid.UUID) (bool, error) {
	n, err := h.rdb.Exists(ctx, keyPrefix(listenerID)+"status").Result()
	if err != nil {
		return false, fmt.Errorf("checking listener liveness: %w", err)
	}
	return n > 0, nil
}

// Get reads back the current published heartbeat state, if any.
func (h *HeartbeatStore) Get(ctx context.Context, listenerID uuid.UUID) (Heartbeat, bool, error) {
	prefix := keyPrefix(listenerID)
	vals, err := h.rdb.MGet(ctx, prefix+"status", prefix+"heartbeat", prefix+"capacity", prefix+"active_runs", prefix+"runner_defs").Result()
	if err != nil {
		return Heartbeat{}, false, fmt.Errorf("reading listener heartbeat: %w", err)
	}
	if vals[0] == nil {
		return Heartbeat{}, false, nil
	}

	var hb Heartbeat
	hb.Status, _ = vals[0].(string)
	if s, ok := vals[1].(string); ok {
		hb.HeartbeatEpoch, _ = strconv.ParseInt(s, 10, 64)
	}
	if s, ok := vals[2].(string); ok {
		hb.Capacity, _ = strconv.Atoi(s)
	}
	if s, ok := vals[3].(string); ok {
		hb.ActiveRuns, _ = strconv.Atoi(s)
	}
	if s, ok := vals[4].(string); ok {
		hb.RunnerDefinitions = json.RawMessage(s)
	}
	return hb, true, nil
}
