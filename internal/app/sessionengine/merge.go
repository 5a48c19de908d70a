package sessionengine

import "github.com/buildforge/controlplane/internal/app/domain/session"

// mergeGathered deep-merges new into old: nested objects merge
// recursively key by key, last-writer-wins at leaves; lists and scalars
// in new replace the corresponding old value wholesale. Keys present
// only in old are preserved, so the clarification context grows
// monotonically across dialogue turns.
func mergeGathered(old, add map[string]any) map[string]any {
	out := make(map[string]any, len(old)+len(add))
	for k, v := range old {
		out[k] = v
	}
	for k, nv := range add {
		if ov, ok := out[k]; ok {
			oldMap, oOK := ov.(map[string]any)
			newMap, nOK := nv.(map[string]any)
			if oOK && nOK {
				out[k] = mergeGathered(oldMap, newMap)
				continue
			}
		}
		out[k] = nv
	}
	return out
}

// mergeCategories overlays new category progress onto old, category by
// category; a category absent from new keeps its prior value.
func mergeCategories(old, add map[string]session.CategoryProgress) map[string]session.CategoryProgress {
	out := make(map[string]session.CategoryProgress, len(old)+len(add))
	for k, v := range old {
		out[k] = v
	}
	for k, v := range add {
		out[k] = v
	}
	return out
}
