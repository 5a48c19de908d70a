package sessionengine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/buildforge/controlplane/internal/app/domain/session"
)

func TestMergeGatheredDeepMerge(t *testing.T) {
	old := map[string]any{
		"tech_stack": map[string]any{
			"language": "Go",
			"database": "postgres",
		},
		"scale": "small",
	}
	add := map[string]any{
		"tech_stack": map[string]any{
			"database": "sqlite",
			"cache":    "redis",
		},
		"features": []any{"auth"},
	}

	merged := mergeGathered(old, add)

	assert.Equal(t, "small", merged["scale"])
	assert.Equal(t, []any{"auth"}, merged["features"])

	stack, ok := merged["tech_stack"].(map[string]any)
	assert.True(t, ok)
	assert.Equal(t, "Go", stack["language"], "keys only present in old survive the merge")
	assert.Equal(t, "sqlite", stack["database"], "last writer wins at leaves")
	assert.Equal(t, "redis", stack["cache"])
}

func TestMergeGatheredListsReplaceWholesale(t *testing.T) {
	old := map[string]any{"features": []any{"auth", "billing"}}
	add := map[string]any{"features": []any{"auth"}}

	merged := mergeGathered(old, add)

	assert.Equal(t, []any{"auth"}, merged["features"])
}

func TestMergeGatheredNilOld(t *testing.T) {
	merged := mergeGathered(nil, map[string]any{"scale": "large"})
	assert.Equal(t, "large", merged["scale"])
}

func TestMergeCategoriesOverlaysByKey(t *testing.T) {
	old := map[string]session.CategoryProgress{
		"tech_stack": {Filled: 1, Required: 3},
		"scale":      {Filled: 2, Required: 2},
	}
	add := map[string]session.CategoryProgress{
		"tech_stack": {Filled: 3, Required: 3},
	}

	merged := mergeCategories(old, add)

	assert.Equal(t, 3, merged["tech_stack"].Filled)
	assert.Equal(t, 2, merged["scale"].Filled, "categories absent from the update keep their prior value")
}
