// Package mapping turns the UI's face slots into swap directives for the engine.
package mapping

import (
	"fmt"
	"math"

	"github.com/andresmejia3/refacer/internal/types"
)

// Compiler builds swap directives from a slot array.
type Compiler struct {
	// ClampThresholds forces every threshold into [0,1]. When false the value
	// is forwarded untouched and the engine decides what to do with it.
	ClampThresholds bool
}

// NewCompiler returns a Compiler with the given threshold mode.
func NewCompiler(clamp bool) Compiler {
	return Compiler{ClampThresholds: clamp}
}

// Compile emits one directive per slot that has both an origin and a destination,
// in slot order. Incomplete slots are skipped silently. The result is never nil.
func (c Compiler) Compile(slots types.SlotArray) []types.SwapDirective {
	directives := make([]types.SwapDirective, 0, len(slots))
	for _, slot := range slots {
		if !slot.Origin.Present() || !slot.Destination.Present() {
			continue
		}

		threshold := slot.Threshold
		if c.ClampThresholds {
			threshold = Clamp(threshold)
		}

		// Copy handles by value so the directive shares nothing with the caller's slots
		directives = append(directives, types.SwapDirective{
			Origin:      *slot.Origin,
			Destination: *slot.Destination,
			Threshold:   threshold,
		})
	}
	return directives
}

// Clamp bounds a threshold to [0,1]. NaN maps to 0.
func Clamp(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// FromParallel zips the three parallel arrays the UI hands over into a slot array.
func FromParallel(origins, destinations []*types.ImageHandle, thresholds []float64) (types.SlotArray, error) {
	if len(origins) != len(destinations) || len(origins) != len(thresholds) {
		return nil, fmt.Errorf("slot arrays differ in length: %d origins, %d destinations, %d thresholds",
			len(origins), len(destinations), len(thresholds))
	}

	slots := make(types.SlotArray, len(origins))
	for i := range origins {
		slots[i] = types.Slot{
			Origin:      origins[i],
			Destination: destinations[i],
			Threshold:   thresholds[i],
		}
	}
	return slots, nil
}
