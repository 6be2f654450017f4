package plan

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"
)

// Catalog maps tier names to their entitlements.
type Catalog map[Name]Limits

// Source defines how the plan catalog is loaded.
type Source interface {
	Load(ctx context.Context) (Catalog, error)
}

// DefaultName is the tier assumed for users without any subscription record.
const DefaultName = Starter

// TrialDuration is the fixed length of a trial, measured from its start.
const TrialDuration = 7 * 24 * time.Hour

// TrialLimits returns the fixed allowance granted during a trial. Trials are
// a deliberately small constant set and never carry premium-model or
// priority-queue entitlements, regardless of the plan being trialed.
func TrialLimits() Limits {
	return Limits{
		Plan: DefaultName,
		Usage: map[UsageType]int64{
			UsageTemplateGeneration: 5,
			UsageImageGeneration:    5,
		},
		PremiumModels: false,
		PriorityQueue: false,
	}
}

// DefaultCatalog returns the built-in tier configuration.
func DefaultCatalog() Catalog {
	return Catalog{
		Starter: {
			Plan: Starter,
			Usage: map[UsageType]int64{
				UsageTemplateGeneration: 10,
				UsageImageGeneration:    20,
			},
			PremiumModels: false,
			PriorityQueue: false,
		},
		Pro: {
			Plan: Pro,
			Usage: map[UsageType]int64{
				UsageTemplateGeneration: 100,
				UsageImageGeneration:    200,
			},
			PremiumModels: true,
			PriorityQueue: false,
		},
		Scale: {
			Plan: Scale,
			Usage: map[UsageType]int64{
				UsageTemplateGeneration: 500,
				UsageImageGeneration:    1000,
			},
			PremiumModels: true,
			PriorityQueue: true,
		},
	}
}

// Resolve returns the Limits for the given tier, falling back to DefaultName
// when the tier is unknown. Returns ErrPlanNotFound only when even the
// default tier is missing from the catalog.
func (c Catalog) Resolve(name Name) (Limits, error) {
	if limits, ok := c[name]; ok {
		return limits, nil
	}
	if limits, ok := c[DefaultName]; ok {
		return limits, nil
	}
	return Limits{}, ErrPlanNotFound
}

// Validate checks the catalog for internal consistency.
func (c Catalog) Validate() error {
	if _, ok := c[DefaultName]; !ok {
		return errors.Join(ErrInvalidConfiguration,
			fmt.Errorf("catalog is missing the default tier %q", DefaultName))
	}

	for name, limits := range c {
		if limits.Plan != name {
			return errors.Join(ErrInvalidConfiguration,
				fmt.Errorf("plan name mismatch: map key %s != limits.Plan %s", name, limits.Plan))
		}

		for usageType, limit := range limits.Usage {
			if !usageType.Valid() {
				return errors.Join(ErrInvalidConfiguration,
					fmt.Errorf("plan %s references unknown usage type %q", name, usageType))
			}
			if limit < 0 {
				return errors.Join(ErrInvalidConfiguration,
					fmt.Errorf("plan %s has negative limit for %s: %d", name, usageType, limit))
			}
		}
	}

	return nil
}

// inMemSource implements Source over a static catalog copy.
type inMemSource struct {
	catalog Catalog
}

// NewInMemSource returns a Source backed by a deep copy of the given catalog.
func NewInMemSource(catalog Catalog) Source {
	cp := make(Catalog, len(catalog))
	for name, limits := range catalog {
		limits.Usage = maps.Clone(limits.Usage)
		cp[name] = limits
	}
	return &inMemSource{catalog: cp}
}

// Load returns a copy of the catalog. The copy is safe to retain.
func (s *inMemSource) Load(ctx context.Context) (Catalog, error) {
	cp := make(Catalog, len(s.catalog))
	for name, limits := range s.catalog {
		limits.Usage = maps.Clone(limits.Usage)
		cp[name] = limits
	}
	return cp, nil
}
