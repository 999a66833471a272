package model

import (
	"fmt"
	"strings"
)

// Tier is a priority class used to order queued requests. Lower values are
// served first. The zero value is TierUnset, which is not a valid tier and
// stands for "use the configured default".
type Tier int

const (
	TierUnset Tier = iota
	TierHigh
	TierNormal
	TierLow
)

// NumTiers is the size of the closed tier set.
const NumTiers = 3

// Tiers lists every tier from highest to lowest priority.
var Tiers = []Tier{TierHigh, TierNormal, TierLow}

func (t Tier) String() string {
	switch t {
	case TierHigh:
		return "high"
	case TierNormal:
		return "normal"
	case TierLow:
		return "low"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	return t >= TierHigh && t <= TierLow
}

// Index maps a valid tier onto 0..NumTiers-1, highest first.
func (t Tier) Index() int {
	return int(t - TierHigh)
}

// Or returns t when valid and def otherwise.
func (t Tier) Or(def Tier) Tier {
	if t.Valid() {
		return t
	}
	return def
}

// Promote returns the next higher tier, or t itself when already highest.
func (t Tier) Promote() Tier {
	if t <= TierHigh {
		return TierHigh
	}
	return t - 1
}

// Demote returns the next lower tier, or t itself when already lowest.
func (t Tier) Demote() Tier {
	if t >= TierLow {
		return TierLow
	}
	return t + 1
}

// ParseTier parses a tier name. Matching ignores case and surrounding spaces.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return TierHigh, nil
	case "normal", "":
		return TierNormal, nil
	case "low":
		return TierLow, nil
	default:
		return TierNormal, fmt.Errorf("unknown priority tier %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t Tier) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid tier %d", int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tier) UnmarshalText(b []byte) error {
	v, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}
