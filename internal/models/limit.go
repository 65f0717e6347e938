package models

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ImportLimit is the number of imports allowed per period, or unlimited.
// The zero value is a limit of zero; use Unlimited() for the unbounded case.
type ImportLimit struct {
	n         int
	unlimited bool
}

// Unlimited returns the unbounded import limit.
func Unlimited() ImportLimit {
	return ImportLimit{unlimited: true}
}

// LimitOf returns a bounded import limit. Negative values are clamped to zero.
func LimitOf(n int) ImportLimit {
	if n < 0 {
		n = 0
	}
	return ImportLimit{n: n}
}

// Value returns the bound and true, or 0 and false when unlimited.
func (l ImportLimit) Value() (int, bool) {
	if l.unlimited {
		return 0, false
	}
	return l.n, true
}

// IsUnlimited reports whether the limit is unbounded.
func (l ImportLimit) IsUnlimited() bool {
	return l.unlimited
}

func (l ImportLimit) String() string {
	if l.unlimited {
		return "unlimited"
	}
	return strconv.Itoa(l.n)
}

// MarshalJSON encodes unlimited as null.
func (l ImportLimit) MarshalJSON() ([]byte, error) {
	if l.unlimited {
		return []byte("null"), nil
	}
	return json.Marshal(l.n)
}

// UnmarshalJSON decodes null as unlimited.
func (l *ImportLimit) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*l = Unlimited()
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("import limit: %w", err)
	}
	*l = LimitOf(n)
	return nil
}
