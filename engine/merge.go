package engine

// deepMergeState implements the §4.2/§9 "shallow deep-merge": nested
// mappings are merged key-wise, recursively; scalars and lists are
// replaced outright. Replacing (not concatenating) lists keeps merges
// idempotent when an ActionHandler retries and resends the same delta.
func deepMergeState(dst, delta map[string]any) map[string]any {
	out := copyMap(dst)
	for k, v := range delta {
		existing, ok := out[k]
		if !ok {
			out[k] = v
			continue
		}
		existingMap, existingIsMap := existing.(map[string]any)
		deltaMap, deltaIsMap := v.(map[string]any)
		if existingIsMap && deltaIsMap {
			out[k] = deepMergeState(existingMap, deltaMap)
			continue
		}
		out[k] = v
	}
	return out
}
