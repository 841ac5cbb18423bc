package results

import (
	"fmt"
	"sort"
)

// Band is a named performance range.
type Band string

const (
	BandExcellent    Band = "EXCELLENT"
	BandGood         Band = "GOOD"
	BandAverage      Band = "AVERAGE"
	BandBelowAverage Band = "BELOW_AVERAGE"
	BandPoor         Band = "POOR"
)

// Threshold assigns Band to percentages at or above Min.
type Threshold struct {
	Band Band    `yaml:"band"`
	Min  float64 `yaml:"min"`
}

// Bands is a set of thresholds ordered from highest to lowest Min.
type Bands []Threshold

func DefaultBands() Bands {
	return Bands{
		{BandExcellent, 85},
		{BandGood, 70},
		{BandAverage, 50},
		{BandBelowAverage, 35},
		{BandPoor, 0},
	}
}

// NewBands validates and orders thresholds. An empty set yields DefaultBands.
func NewBands(thresholds []Threshold) (Bands, error) {
	if len(thresholds) == 0 {
		return DefaultBands(), nil
	}
	b := append(Bands(nil), thresholds...)
	sort.SliceStable(b, func(i, j int) bool { return b[i].Min > b[j].Min })
	seen := make(map[Band]struct{}, len(b))
	for i, t := range b {
		if t.Band == "" {
			return nil, fmt.Errorf("band %d has no name", i)
		}
		if _, dup := seen[t.Band]; dup {
			return nil, fmt.Errorf("band %s defined twice", t.Band)
		}
		seen[t.Band] = struct{}{}
		if i > 0 && t.Min == b[i-1].Min {
			return nil, fmt.Errorf("bands %s and %s share threshold %g", b[i-1].Band, t.Band, t.Min)
		}
	}
	return b, nil
}

// Classify returns the highest band whose threshold pct reaches; percentages below
// every threshold land in the lowest band.
func (b Bands) Classify(pct float64) Band {
	if len(b) == 0 {
		return ""
	}
	for _, t := range b {
		if pct >= t.Min {
			return t.Band
		}
	}
	return b[len(b)-1].Band
}
