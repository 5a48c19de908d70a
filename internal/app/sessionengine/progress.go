package sessionengine

import "github.com/buildforge/controlplane/internal/app/domain/session"

// readyForSpecThreshold is the weighted completion a session must reach
// before the model's ready-for-spec signal is allowed to advance the
// session out of clarifying.
const readyForSpecThreshold = 0.80

// categoryWeights is the five-category weighted composite.
var categoryWeights = map[string]float64{
	"project_type": 0.20,
	"tech_stack":   0.25,
	"scale":        0.15,
	"features":     0.25,
	"constraints":  0.15,
}

// computeProgress is the pure weighted-composite function: each
// category contributes (filled/required) * weight, clamped so an
// over-reported filled count never pushes a category past its weight.
func computeProgress(categories map[string]session.CategoryProgress) float64 {
	var total float64
	for name, weight := range categoryWeights {
		cp, ok := categories[name]
		if !ok || cp.Required <= 0 {
			continue
		}
		filled := cp.Filled
		if filled > cp.Required {
			filled = cp.Required
		}
		if filled < 0 {
			filled = 0
		}
		total += weight * (float64(filled) / float64(cp.Required))
	}
	return total
}
