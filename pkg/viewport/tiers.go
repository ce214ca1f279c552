package viewport

import (
	"fmt"
	"sort"

	"densitymap/pkg/spatial"
)

// Tier maps every zoom at or above MinZoom to Budget.
type Tier struct {
	MinZoom float64 `yaml:"min_zoom"`
	Budget  int     `yaml:"budget"`
}

// Tiers is a zoom ladder. Floor is the budget below the lowest tier.
type Tiers struct {
	Steps []Tier `yaml:"steps"`
	Floor int    `yaml:"floor"`
}

// DefaultTiers returns the stock ladder for a domain.
func DefaultTiers(d spatial.Domain) Tiers {
	if d == spatial.Pollution {
		return Tiers{Steps: []Tier{{13, 6000}, {11, 5000}, {9, 3500}}, Floor: 2500}
	}
	return Tiers{Steps: []Tier{{13, 8000}, {11, 6000}, {9, 4000}}, Floor: 2500}
}

// Budget returns the point budget for zoom z.
func (t Tiers) Budget(z float64) int {
	best, bestZoom := t.Floor, -1.0
	for _, s := range t.Steps {
		if z >= s.MinZoom && s.MinZoom > bestZoom {
			best, bestZoom = s.Budget, s.MinZoom
		}
	}
	return best
}

// Validate rejects ladders whose budget would shrink as zoom grows.
func (t Tiers) Validate() error {
	if t.Floor <= 0 {
		return fmt.Errorf("tier floor must be positive, got %d", t.Floor)
	}
	steps := append([]Tier(nil), t.Steps...)
	sort.Slice(steps, func(i, j int) bool { return steps[i].MinZoom < steps[j].MinZoom })
	prev := t.Floor
	for i, s := range steps {
		if i > 0 && s.MinZoom == steps[i-1].MinZoom {
			return fmt.Errorf("duplicate tier at zoom %g", s.MinZoom)
		}
		if s.Budget < prev {
			return fmt.Errorf("tier at zoom %g has budget %d below %d", s.MinZoom, s.Budget, prev)
		}
		prev = s.Budget
	}
	return nil
}
