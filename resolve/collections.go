package resolve

import (
	"sort"

	"github.com/c0deZ3R0/go-conflict-kit/value"
)

// changedKeys returns the entries of x that are new or differ from base.
func changedKeys(base, x map[string]value.Value) map[string]value.Value {
	out := make(map[string]value.Value)
	for k, v := range x {
		if bv, ok := base[k]; !ok || !value.Equal(bv, v) {
			out[k] = v
		}
	}
	return out
}

// resolveJSON merges two maps key by key against base. A base that is not
// a map counts as empty.
func resolveJSON(req Request) Resolution {
	local, lok := req.Local.NewValue.Fields()
	remote, rok := req.Remote.NewValue.Fields()
	if !lok || !rok {
		return unresolved(MethodJSONMerge, "type_mismatch")
	}
	base, _ := req.Base.Fields()

	lc := changedKeys(base, local)
	rc := changedKeys(base, remote)

	merged := make(map[string]value.Value, len(base)+len(lc)+len(rc))
	for k, v := range base {
		merged[k] = v
	}

	var overlap []string
	for k, v := range lc {
		if _, ok := rc[k]; ok {
			overlap = append(overlap, k)
			continue
		}
		merged[k] = v
	}
	for k, v := range rc {
		if _, ok := lc[k]; !ok {
			merged[k] = v
		}
	}
	sort.Strings(overlap)

	meta := map[string]any{
		"local_changes":  len(lc),
		"remote_changes": len(rc),
	}
	if len(overlap) == 0 {
		return Resolution{
			ResolvedValue: value.Map(merged),
			Method:        MethodJSONMerge,
			Confidence:    0.9,
			Reason:        "non_overlapping_keys",
			Metadata:      meta,
		}
	}

	conflicts := []KeyConflict{}
	for _, k := range overlap {
		merged[k] = lc[k]
		if !value.Equal(lc[k], rc[k]) {
			conflicts = append(conflicts, KeyConflict{Key: k, Local: lc[k], Remote: rc[k]})
		}
	}
	meta["overlapping_keys"] = overlap

	if len(conflicts) == 0 {
		return Resolution{
			ResolvedValue: value.Map(merged),
			Method:        MethodJSONMerge,
			Confidence:    0.9,
			Reason:        "overlapping_keys_agree",
			Metadata:      meta,
			Conflicts:     conflicts,
		}
	}
	meta["conflict_count"] = len(conflicts)
	meta["partial_merge"] = value.Map(merged)
	return Resolution{
		ResolvedValue: value.Null(),
		Method:        MethodJSONMerge,
		Confidence:    0.5,
		Reason:        "key_conflicts",
		Metadata:      meta,
		Conflicts:     conflicts,
	}
}

// resolveList applies both sides' additions and removals to base. A base
// that is not a list counts as empty.
func resolveList(req Request) Resolution {
	local, lok := req.Local.NewValue.Items()
	remote, rok := req.Remote.NewValue.Items()
	if !lok || !rok {
		return unresolved(MethodListMerge, "type_mismatch")
	}
	base, _ := req.Base.Items()

	localAdded, localRemoved := listDelta(base, local)
	remoteAdded, remoteRemoved := listDelta(base, remote)

	result := make([]value.Value, len(base), len(base)+len(localAdded)+len(remoteAdded))
	copy(result, base)
	for _, added := range [][]value.Value{localAdded, remoteAdded} {
		for _, item := range added {
			if !value.Contains(result, item) {
				result = append(result, item)
			}
		}
	}

	removed := append(append([]value.Value{}, localRemoved...), remoteRemoved...)
	kept := result[:0]
	for _, item := range result {
		if !value.Contains(removed, item) {
			kept = append(kept, item)
		}
	}

	return Resolution{
		ResolvedValue: value.List(kept...),
		Method:        MethodListMerge,
		Confidence:    0.8,
		Reason:        "applied_additions_and_removals",
		Metadata: map[string]any{
			"local_additions":  len(localAdded),
			"remote_additions": len(remoteAdded),
			"local_removals":   len(localRemoved),
			"remote_removals":  len(remoteRemoved),
		},
	}
}

// listDelta returns the distinct items added to and removed from base.
func listDelta(base, x []value.Value) (added, removed []value.Value) {
	for _, item := range x {
		if !value.Contains(base, item) && !value.Contains(added, item) {
			added = append(added, item)
		}
	}
	for _, item := range base {
		if !value.Contains(x, item) && !value.Contains(removed, item) {
			removed = append(removed, item)
		}
	}
	return added, removed
}
