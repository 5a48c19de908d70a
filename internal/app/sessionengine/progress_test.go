package sessionengine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/buildforge/controlplane/internal/app/domain/session"
)

func TestComputeProgressWeightedComposite(t *testing.T) {
	categories := map[string]session.CategoryProgress{
		"project_type": {Filled: 1, Required: 1}, // 0.20
		"tech_stack":   {Filled: 1, Required: 2}, // 0.125
		"scale":        {Filled: 0, Required: 1}, // 0
		"features":     {Filled: 2, Required: 4}, // 0.125
		"constraints":  {Filled: 1, Required: 1}, // 0.15
	}

	got := computeProgress(categories)

	assert.InDelta(t, 0.20+0.125+0+0.125+0.15, got, 1e-9)
}

func TestComputeProgressEmptyCategoriesIsZero(t *testing.T) {
	assert.Equal(t, 0.0, computeProgress(nil))
}

func TestComputeProgressClampsOverfilledCategory(t *testing.T) {
	categories := map[string]session.CategoryProgress{
		"project_type": {Filled: 5, Required: 1},
	}
	assert.InDelta(t, 0.20, computeProgress(categories), 1e-9)
}

func TestComputeProgressIgnoresZeroRequiredCategory(t *testing.T) {
	categories := map[string]session.CategoryProgress{
		"scale": {Filled: 0, Required: 0},
	}
	assert.Equal(t, 0.0, computeProgress(categories))
}

func TestComputeProgressFullCompletionReachesOne(t *testing.T) {
	categories := map[string]session.CategoryProgress{
		"project_type": {Filled: 1, Required: 1},
		"tech_stack":   {Filled: 1, Required: 1},
		"scale":        {Filled: 1, Required: 1},
		"features":     {Filled: 1, Required: 1},
		"constraints":  {Filled: 1, Required: 1},
	}
	assert.InDelta(t, 1.0, computeProgress(categories), 1e-9)
}
