package presence

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const mirrorTimeout = 2 * time.Second

// RedisMirror mirrors the online set into Redis so other services can read
// presence without talking to this process.
//
// Keys used:
// - <prefix>:online               -> set of online user ids
// - <prefix>:presence:<user_id>   -> json {status,last_seen}
//
// Everything is best-effort: mirror failures are logged and never propagate
// into registry operations. All methods are nil-safe.
type RedisMirror struct {
	log    *slog.Logger
	client *redis.Client
	prefix string
}

// NewRedisMirror constructs a mirror. prefix defaults to "parley".
func NewRedisMirror(log *slog.Logger, client *redis.Client, prefix string) *RedisMirror {
	if prefix == "" {
		prefix = "parley"
	}
	return &RedisMirror{log: log, client: client, prefix: prefix}
}

func (m *RedisMirror) onlineKey() string            { return m.prefix + ":online" }
func (m *RedisMirror) presenceKey(id string) string { return m.prefix + ":presence:" + id }

// SetOnline records userID as online.
func (m *RedisMirror) SetOnline(ctx context.Context, userID string) {
	if m == nil || m.client == nil || userID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
	defer cancel()

	status, _ := json.Marshal(map[string]any{"status": "online", "last_seen": time.Now().Unix()})

	if err := m.client.SAdd(ctx, m.onlineKey(), userID).Err(); err != nil {
		m.log.Info("presence.mirror.fail", "op", "sadd", "user_id", userID, "err", err)
		return
	}
	if err := m.client.Set(ctx, m.presenceKey(userID), status, 0).Err(); err != nil {
		m.log.Info("presence.mirror.fail", "op", "set", "user_id", userID, "err", err)
	}
}

// SetOffline records userID as offline.
func (m *RedisMirror) SetOffline(ctx context.Context, userID string) {
	if m == nil || m.client == nil || userID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
	defer cancel()

	status, _ := json.Marshal(map[string]any{"status": "offline", "last_seen": time.Now().Unix()})

	if err := m.client.SRem(ctx, m.onlineKey(), userID).Err(); err != nil {
		m.log.Info("presence.mirror.fail", "op", "srem", "user_id", userID, "err", err)
		return
	}
	if err := m.client.Set(ctx, m.presenceKey(userID), status, 0).Err(); err != nil {
		m.log.Info("presence.mirror.fail", "op", "set", "user_id", userID, "err", err)
	}
}
