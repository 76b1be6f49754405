package services

import (
	"fmt"
	"strings"
)

// MaxRating caps the aggregated score of a catalog entry
const MaxRating = 100000

// ScoringPolicy converts one store rank into points
type ScoringPolicy interface {
	Name() string
	Points(rank int) int
}

// TieredPolicy rewards the top ten heavily, then decays linearly
type TieredPolicy struct{}

var tieredPoints = [...]int{1000, 750, 500, 300, 250, 200, 175, 150, 125, 100}

func (TieredPolicy) Name() string { return "tiered" }

func (TieredPolicy) Points(rank int) int {
	if rank < 1 {
		return 0
	}
	if rank <= len(tieredPoints) {
		return tieredPoints[rank-1]
	}
	return linearPoints(rank)
}

// FlatPolicy is max(0, 100-rank) for every rank
type FlatPolicy struct{}

func (FlatPolicy) Name() string { return "flat" }

func (FlatPolicy) Points(rank int) int {
	if rank < 1 {
		return 0
	}
	return linearPoints(rank)
}

func linearPoints(rank int) int {
	if p := 100 - rank; p > 0 {
		return p
	}
	return 0
}

// NewScoringPolicy picks a policy by name; empty selects tiered
func NewScoringPolicy(name string) (ScoringPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "tiered":
		return TieredPolicy{}, nil
	case "flat":
		return FlatPolicy{}, nil
	default:
		return nil, fmt.Errorf("unknown scoring policy %q", name)
	}
}

// Score sums points for ranks and clamps to MaxRating
func Score(p ScoringPolicy, ranks []int) int {
	total := 0
	for _, r := range ranks {
		total += p.Points(r)
		if total >= MaxRating {
			return MaxRating
		}
	}
	return total
}
