package coordination

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// heartbeatSetName groups all live worker/pool ids so Enumerate stays
// O(live workers) instead of scanning the keyspace (spec.md §4.2).
const heartbeatSetName = "heartbeat:live"

func heartbeatKey(id string) string { return "heartbeat:entry:" + id }

// HeartbeatRegistry implements the liveness registry of spec.md §4.2:
// register/renew with a TTL, enumerate live ids in O(live workers).
type HeartbeatRegistry struct {
	client *redis.Client
}

func NewHeartbeatRegistry(client *redis.Client) *HeartbeatRegistry {
	return &HeartbeatRegistry{client: client}
}

func (h *HeartbeatRegistry) Register(ctx context.Context, id string, ttl time.Duration) error {
	pipe := h.client.TxPipeline()
	pipe.Set(ctx, heartbeatKey(id), time.Now().UnixNano(), ttl)
	pipe.SAdd(ctx, heartbeatSetName, id)
	_, err := pipe.Exec(ctx)
	return err
}

func (h *HeartbeatRegistry) Renew(ctx context.Context, id string, ttl time.Duration) error {
	return h.client.Set(ctx, heartbeatKey(id), time.Now().UnixNano(), ttl).Err()
}

func (h *HeartbeatRegistry) Unregister(ctx context.Context, id string) error {
	pipe := h.client.TxPipeline()
	pipe.Del(ctx, heartbeatKey(id))
	pipe.SRem(ctx, heartbeatSetName, id)
	_, err := pipe.Exec(ctx)
	return err
}

// Enumerate returns the ids currently believed live, pruning any whose
// heartbeat key has since expired (the set membership and the keyed TTL can
// drift apart by at most one Enumerate call).
func (h *HeartbeatRegistry) Enumerate(ctx context.Context) ([]string, error) {
	members, err := h.client.SMembers(ctx, heartbeatSetName).Result()
	if err != nil {
		return nil, err
	}
	live := make([]string, 0, len(members))
	var stale []string
	for _, id := range members {
		exists, err := h.client.Exists(ctx, heartbeatKey(id)).Result()
		if err != nil {
			continue
		}
		if exists == 1 {
			live = append(live, id)
		} else {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		h.client.SRem(ctx, heartbeatSetName, toAny(stale)...)
	}
	return live, nil
}

// IsAlive checks a single id without listing the whole set.
func (h *HeartbeatRegistry) IsAlive(ctx context.Context, id string) (bool, error) {
	exists, err := h.client.Exists(ctx, heartbeatKey(id)).Result()
	if err != nil {
		return false, err
	}
	return exists == 1, nil
}

func toAny(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
