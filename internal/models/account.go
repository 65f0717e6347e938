package models

import (
	"fmt"
	"strings"
	"time"
)

// Tier is the subscription tier an account is billed on.
type Tier string

const (
	TierFree     Tier = "free"
	TierPro      Tier = "pro"
	TierBusiness Tier = "business"
)

// Tiers lists every known tier in ascending order.
var Tiers = []Tier{TierFree, TierPro, TierBusiness}

// ParseTier parses a tier name. Unknown names are an error.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if t.Valid() {
		return t, nil
	}
	return "", fmt.Errorf("unknown tier %q", s)
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierPro, TierBusiness:
		return true
	}
	return false
}

// Account is a tenant. The tier is owned by the billing side and read-only here.
type Account struct {
	ID        string    `json:"id"`
	Tier      Tier      `json:"tier"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks if the account is valid.
func (a *Account) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("account ID is required")
	}
	if !a.Tier.Valid() {
		return fmt.Errorf("account %s has unknown tier %q", a.ID, a.Tier)
	}
	return nil
}
