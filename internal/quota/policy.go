// Package quota maps subscription tiers to import limits.
package quota

import (
	"sync"

	"github.com/csvgate/csvgate/internal/models"
)

// Limits are the quota limits that apply to one tier.
type Limits struct {
	ImportLimit      models.ImportLimit `json:"import_limit"`
	MaxRowsPerImport int                `json:"max_rows_per_import"`
}

// Defaults returns the built-in limits for every tier.
func Defaults() map[models.Tier]Limits {
	return map[models.Tier]Limits{
		models.TierFree:     {ImportLimit: models.LimitOf(10), MaxRowsPerImport: 1_000},
		models.TierPro:      {ImportLimit: models.LimitOf(100), MaxRowsPerImport: 50_000},
		models.TierBusiness: {ImportLimit: models.Unlimited(), MaxRowsPerImport: 500_000},
	}
}

// Policy resolves limits for a tier. It holds no usage state; the table itself can be
// swapped at runtime when configuration is reloaded.
type Policy struct {
	mu     sync.RWMutex
	limits map[models.Tier]Limits
}

// NewPolicy creates a policy from the defaults with the given per-tier overrides applied.
func NewPolicy(overrides map[models.Tier]Limits) *Policy {
	p := &Policy{}
	p.Update(overrides)
	return p
}

// Update replaces the overrides. Tiers absent from overrides revert to defaults.
func (p *Policy) Update(overrides map[models.Tier]Limits) {
	limits := Defaults()
	for tier, l := range overrides {
		if !tier.Valid() {
			continue
		}
		if l.MaxRowsPerImport < 0 {
			l.MaxRowsPerImport = 0
		}
		limits[tier] = l
	}

	p.mu.Lock()
	p.limits = limits
	p.mu.Unlock()
}

// LimitsFor returns the limits of tier. Unknown tiers get the free tier's limits.
func (p *Policy) LimitsFor(tier models.Tier) Limits {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if l, ok := p.limits[tier]; ok {
		return l
	}
	return p.limits[models.TierFree]
}

// All returns a copy of the effective limits table.
func (p *Policy) All() map[models.Tier]Limits {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[models.Tier]Limits, len(p.limits))
	for k, v := range p.limits {
		out[k] = v
	}
	return out
}
