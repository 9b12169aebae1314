package application

import (
	"context"
	"errors"
	"time"

	units "hvac-telemetry/internal/units/domain"
)

// Clock provides time.
type Clock interface {
	Now() time.Time
}

// Registry is the bookkeeping service for units. It is the lookup every other
// component validates and scopes against.
type Registry struct {
	repo  units.Repository
	clock Clock
}

// RegistryOption customizes the registry.
type RegistryOption func(*Registry)

// WithClock assigns a clock.
func WithClock(clock Clock) RegistryOption {
	return func(r *Registry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// NewRegistry constructs a registry.
func NewRegistry(repo units.Repository, opts ...RegistryOption) (*Registry, error) {
	if repo == nil {
		return nil, errors.New("units: nil repository")
	}
	registry := &Registry{repo: repo, clock: systemClock{}}
	for _, opt := range opts {
		opt(registry)
	}
	return registry, nil
}

// Register creates or updates a unit and marks it active.
func (r *Registry) Register(ctx context.Context, unit *units.Unit) error {
	if r == nil {
		return errors.New("units: nil registry")
	}
	if unit == nil {
		return errors.New("units: nil unit")
	}
	unit.Active = true
	return r.repo.Save(ctx, unit)
}

// Deactivate decommissions a unit. Its history is kept.
func (r *Registry) Deactivate(ctx context.Context, serial string) error {
	if r == nil {
		return errors.New("units: nil registry")
	}
	if serial == "" {
		return errors.New("units: serial required")
	}
	return r.repo.Deactivate(ctx, serial, r.clock.Now())
}

// Lookup returns an active unit or ErrUnknownUnit.
func (r *Registry) Lookup(ctx context.Context, serial string) (*units.Unit, error) {
	unit, err := r.Get(ctx, serial)
	if err != nil {
		return nil, err
	}
	if !unit.Active {
		return nil, units.ErrUnknownUnit
	}
	return unit, nil
}

// Get returns a unit regardless of its active flag.
func (r *Registry) Get(ctx context.Context, serial string) (*units.Unit, error) {
	if r == nil {
		return nil, errors.New("units: nil registry")
	}
	if serial == "" {
		return nil, units.ErrUnknownUnit
	}
	unit, err := r.repo.Get(ctx, serial)
	if err != nil {
		return nil, err
	}
	if unit == nil {
		return nil, units.ErrUnknownUnit
	}
	return unit, nil
}

// List returns units, optionally scoped to a provider.
func (r *Registry) List(ctx context.Context, providerID string) ([]units.Unit, error) {
	if r == nil {
		return nil, errors.New("units: nil registry")
	}
	return r.repo.List(ctx, providerID)
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
