// Package reconcile compares, per source file, the row count accepted by
// the schema against the count the loader actually wrote, as witnessed by
// this run's lineage rows. A breach warns operators and may downgrade the
// run to partial; it never rolls the transaction back.
package reconcile

import (
	"fmt"
	"log/slog"
)

// Check is one file group's comparison.
type Check struct {
	Entity      string
	SourceFile  string
	SourceCount int
	LoadedCount int
}

// Ratio is the mismatch fraction in [0, ∞): |source−loaded| over the
// source count, with a floor of one row to avoid dividing by zero.
func (c Check) Ratio() float64 {
	diff := c.SourceCount - c.LoadedCount
	if diff < 0 {
		diff = -diff
	}
	denom := c.SourceCount
	if denom < 1 {
		denom = 1
	}
	return float64(diff) / float64(denom)
}

// Discrepancy describes one breach.
type Discrepancy struct {
	Check
	RatioPercent     float64
	TolerancePercent float64
}

func (d Discrepancy) String() string {
	return fmt.Sprintf("%s (%s): source %d vs loaded %d, %.1f%% > %.1f%% tolerance",
		d.Entity, d.SourceFile, d.SourceCount, d.LoadedCount, d.RatioPercent, d.TolerancePercent)
}

// Run evaluates every check against the tolerance (percent, e.g. 10 for
// 10%) and returns the breaches. Each breach is logged at WARNING level.
func Run(checks []Check, tolerancePercent float64, logger *slog.Logger) []Discrepancy {
	if logger == nil {
		logger = slog.Default()
	}
	var out []Discrepancy
	for _, c := range checks {
		ratioPct := c.Ratio() * 100
		if ratioPct <= tolerancePercent {
			continue
		}
		d := Discrepancy{Check: c, RatioPercent: ratioPct, TolerancePercent: tolerancePercent}
		logger.Warn("reconciliation discrepancy",
			"entity", c.Entity,
			"source_file", c.SourceFile,
			"source_count", c.SourceCount,
			"loaded_count", c.LoadedCount,
			"ratio_percent", ratioPct,
			"tolerance_percent", tolerancePercent,
		)
		out = append(out, d)
	}
	return out
}
