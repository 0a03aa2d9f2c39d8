// Package secrets resolves credential references and keeps rotating sets of
// bearer tokens.
package secrets

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sort"
	"time"
)

var ErrInvalidSecret = errors.New("invalid secret")

// Version is one token value with a validity window.
//
// Semantics:
// - A zero ValidFrom means valid since forever; otherwise it is inclusive.
// - ValidUntil is exclusive; a zero value means "no end".
type Version struct {
	ID         string
	Value      []byte
	ValidFrom  time.Time
	ValidUntil time.Time
}

func (v Version) IsValidAt(t time.Time) bool {
	if !v.ValidFrom.IsZero() && t.Before(v.ValidFrom) {
		return false
	}
	return v.ValidUntil.IsZero() || t.Before(v.ValidUntil)
}

type Set struct {
	Versions []Version
}

func (s Set) Validate() error {
	seen := make(map[string]struct{}, len(s.Versions))
	for i, v := range s.Versions {
		if v.ID == "" {
			return fmt.Errorf("%w: versions[%d].id is empty", ErrInvalidSecret, i)
		}
		if _, ok := seen[v.ID]; ok {
			return fmt.Errorf("%w: duplicate secret id %q", ErrInvalidSecret, v.ID)
		}
		seen[v.ID] = struct{}{}

		if len(v.Value) == 0 {
			return fmt.Errorf("%w: versions[%d].value is empty", ErrInvalidSecret, i)
		}
		if !v.ValidFrom.IsZero() && !v.ValidUntil.IsZero() && !v.ValidUntil.After(v.ValidFrom) {
			return fmt.Errorf("%w: versions[%d].valid_until must be after valid_from", ErrInvalidSecret, i)
		}
	}
	return nil
}

// ValidAt returns all versions valid at time t, newest ValidFrom first.
func (s Set) ValidAt(t time.Time) []Version {
	out := make([]Version, 0, len(s.Versions))
	for _, v := range s.Versions {
		if v.IsValidAt(t) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ValidFrom.Equal(out[j].ValidFrom) {
			return out[i].ID < out[j].ID
		}
		return out[i].ValidFrom.After(out[j].ValidFrom)
	})
	return out
}

// Match reports which version valid at t equals presented. Every valid
// version is compared so the timing does not depend on which one matched.
func (s Set) Match(presented []byte, t time.Time) (Version, bool) {
	var (
		hit   Version
		found bool
	)
	for _, v := range s.ValidAt(t) {
		if subtle.ConstantTimeCompare(presented, v.Value) == 1 && !found {
			hit, found = v, true
		}
	}
	return hit, found
}

// TokenSpec is the configured form of a Version whose value is still a
// reference.
type TokenSpec struct {
	ID         string
	Ref        string
	ValidFrom  time.Time
	ValidUntil time.Time
}

// LoadSet resolves every spec into a validated Set.
func LoadSet(ctx context.Context, specs []TokenSpec) (Set, error) {
	set := Set{Versions: make([]Version, 0, len(specs))}
	for i, spec := range specs {
		val, err := LoadRef(ctx, spec.Ref)
		if err != nil {
			return Set{}, fmt.Errorf("token %d (%s): %w", i, spec.ID, err)
		}
		set.Versions = append(set.Versions, Version{
			ID:         spec.ID,
			Value:      val,
			ValidFrom:  spec.ValidFrom,
			ValidUntil: spec.ValidUntil,
		})
	}
	if err := set.Validate(); err != nil {
		return Set{}, err
	}
	return set, nil
}
