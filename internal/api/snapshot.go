package api

import (
	"time"

	"exchange-gate/internal/config"
	"exchange-gate/internal/ratelimit"
)

// SnapshotProvider reports live rate group state. *ratelimit.Limiter
// implements it.
type SnapshotProvider interface {
	Snapshot() []ratelimit.GroupStatus
}

// BuildSnapshot combines live group state with the config summary.
func BuildSnapshot(provider SnapshotProvider, cfg config.Config) LimitsSnapshot {
	return LimitsSnapshot{
		Timestamp: time.Now(),
		Groups:    provider.Snapshot(),
		Config:    NewConfigSummary(cfg),
	}
}
