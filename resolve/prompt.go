package resolve

import "github.com/c0deZ3R0/go-conflict-kit/value"

// MergeMarker separates the two sides of a suggested string merge.
const MergeMarker = "\n--- merged ---\n"

// BuildPrompt returns a manual_required resolution listing the candidates
// a human can pick from.
func BuildPrompt(local, remote Change, base value.Value, field string) Resolution {
	return Resolution{
		ResolvedValue: value.Null(),
		Method:        MethodManual,
		Confidence:    0,
		Type:          ManualRequired,
		Reason:        "manual_resolution_required",
		Metadata:      map[string]any{"field_name": field},
		Options: &ManualOptions{
			Local:          Candidate{Value: local.NewValue, UserID: local.UserID, Timestamp: local.Timestamp},
			Remote:         Candidate{Value: remote.NewValue, UserID: remote.UserID, Timestamp: remote.Timestamp},
			Base:           Candidate{Value: base},
			SuggestedMerge: SuggestMerge(local.NewValue, remote.NewValue),
		},
	}
}

// SuggestMerge is a best-effort combination of two values: strings are
// joined around MergeMarker, lists are unioned, maps are merged with remote
// keys winning. Anything else yields local.
func SuggestMerge(local, remote value.Value) value.Value {
	switch local.Kind() {
	case value.KindString:
		if r, ok := remote.Str(); ok {
			l, _ := local.Str()
			return value.String(l + MergeMarker + r)
		}
	case value.KindList:
		if r, ok := remote.Items(); ok {
			l, _ := local.Items()
			out := make([]value.Value, 0, len(l)+len(r))
			for _, item := range append(append([]value.Value{}, l...), r...) {
				if !value.Contains(out, item) {
					out = append(out, item)
				}
			}
			return value.List(out...)
		}
	case value.KindMap:
		if r, ok := remote.Fields(); ok {
			l, _ := local.Fields()
			out := make(map[string]value.Value, len(l)+len(r))
			for k, v := range l {
				out[k] = v
			}
			for k, v := range r {
				out[k] = v
			}
			return value.Map(out)
		}
	}
	return local
}
