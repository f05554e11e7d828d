package api

import (
	"time"

	"exchange-gate/internal/config"
	"exchange-gate/internal/ratelimit"
)

// LimitsSnapshot is the complete status served by /api/limits and pushed to
// stream subscribers.
type LimitsSnapshot struct {
	Timestamp time.Time               `json:"timestamp"`
	Groups    []ratelimit.GroupStatus `json:"groups"`
	Config    ConfigSummary           `json:"config"`
}

// ConfigSummary is the non-secret part of the running configuration.
type ConfigSummary struct {
	DryRun         bool          `json:"dry_run"`
	RESTBaseURL    string        `json:"rest_base_url"`
	WSURL          string        `json:"ws_url"`
	MaxRetries     int           `json:"max_retries"`
	AcquireTimeout string        `json:"acquire_timeout"`
	Groups         []GroupConfig `json:"groups"`
}

// GroupConfig renders one configured rate group for display.
type GroupConfig struct {
	Name    string   `json:"name"`
	Windows []string `json:"windows"` // e.g. "5/1s burst 1"
}

// NewConfigSummary extracts display fields from the full config.
func NewConfigSummary(cfg config.Config) ConfigSummary {
	summary := ConfigSummary{
		DryRun:         cfg.DryRun,
		RESTBaseURL:    cfg.API.RESTBaseURL,
		WSURL:          cfg.API.WSURL,
		MaxRetries:     cfg.API.MaxRetries,
		AcquireTimeout: cfg.API.AcquireTimeout.String(),
	}

	groups, err := cfg.RateGroups()
	if err != nil {
		return summary
	}
	for _, g := range groups {
		gc := GroupConfig{Name: g.Name}
		for _, w := range g.Windows {
			gc.Windows = append(gc.Windows, w.String())
		}
		summary.Groups = append(summary.Groups, gc)
	}
	return summary
}
