// Package fill detects utilization thresholds crossed by a change in used volume.
package fill

import (
	"github.com/shopspring/decimal"

	"lanepool/internal/domain"
)

// Threshold is a fill ratio that produces a lifecycle event when crossed.
type Threshold struct {
	Ratio     float64
	EventType string
}

// Thresholds in ascending order.
var Thresholds = []Threshold{
	{Ratio: 0.8, EventType: domain.EventFill80},
	{Ratio: 0.9, EventType: domain.EventFill90},
	{Ratio: 1.0, EventType: domain.EventFill100},
}

// ClosingRatio is the fill at which an open pool starts closing.
const ClosingRatio = 0.9

// Crossed returns, in ascending order, every threshold t with
// prev < t*capacity <= curr. A non-positive capacity yields none.
// Comparisons are decimal so a volume sitting exactly on a threshold
// counts as reaching it.
func Crossed(prevUsed, currUsed, capacity float64) []Threshold {
	if capacity <= 0 {
		return nil
	}
	before := decimal.NewFromFloat(prevUsed)
	after := decimal.NewFromFloat(currUsed)
	capac := decimal.NewFromFloat(capacity)
	var out []Threshold
	for _, t := range Thresholds {
		level := decimal.NewFromFloat(t.Ratio).Mul(capac)
		if before.LessThan(level) && level.LessThanOrEqual(after) {
			out = append(out, t)
		}
	}
	return out
}

// CrossesClosing reports whether the change reaches the closing ratio.
func CrossesClosing(prevUsed, currUsed, capacity float64) bool {
	for _, t := range Crossed(prevUsed, currUsed, capacity) {
		if t.Ratio == ClosingRatio {
			return true
		}
	}
	return false
}
