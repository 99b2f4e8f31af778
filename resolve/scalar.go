package resolve

import (
	"fmt"
	"math"
	"strings"

	"github.com/c0deZ3R0/go-conflict-kit/errors"
	"github.com/c0deZ3R0/go-conflict-kit/value"
)

// unresolved is a confidence-0 verdict with no value.
func unresolved(method Method, reason string) Resolution {
	return Resolution{
		ResolvedValue: value.Null(),
		Method:        method,
		Confidence:    0,
		Reason:        reason,
		Metadata:      map[string]any{},
	}
}

func resolveNumber(req Request) (Resolution, error) {
	local, lok := req.Local.NewValue.Num()
	remote, rok := req.Remote.NewValue.Num()
	if !lok || !rok {
		return unresolved(MethodNumericCombine, "type_mismatch"), nil
	}

	base, ok := req.Base.Num()
	if !ok {
		base, _ = req.Local.OldValue.Num()
	}
	ld, rd := local-base, remote-base

	res := Resolution{Metadata: map[string]any{
		"base":         base,
		"local_delta":  ld,
		"remote_delta": rd,
	}}
	switch {
	case (ld > 0 && rd > 0) || (ld < 0 && rd < 0):
		res.ResolvedValue = value.Number(base + ld + rd)
		res.Method = MethodNumericCombine
		res.Confidence = 0.85
		res.Reason = "deltas_same_direction"
	case math.Abs(ld+rd) < 1e-9:
		res.ResolvedValue = value.Number(base)
		res.Method = MethodNumericCancel
		res.Confidence = 0.7
		res.Reason = "deltas_cancel"
	default:
		res.Method = MethodNumericMaxChange
		res.Confidence = 0.6
		res.Reason = "largest_change"
		if math.Abs(ld) >= math.Abs(rd) {
			res.ResolvedValue = value.Number(local)
			res.Metadata["winner"] = "local"
		} else {
			res.ResolvedValue = value.Number(remote)
			res.Metadata["winner"] = "remote"
		}
	}

	if n, _ := res.ResolvedValue.Num(); math.IsNaN(n) || math.IsInf(n, 0) {
		return Resolution{}, errors.NewValidationError(errors.OpResolve, fmt.Errorf("numeric merge produced %v", n))
	}
	return res, nil
}

func resolveBoolean(req Request) Resolution {
	local, lok := req.Local.NewValue.Boolean()
	remote, rok := req.Remote.NewValue.Boolean()
	if !lok || !rok {
		return unresolved(MethodBooleanConflict, "type_mismatch")
	}
	if local == remote {
		return Resolution{
			ResolvedValue: value.Bool(local),
			Method:        MethodBooleanMatch,
			Confidence:    1.0,
			Reason:        "identical_values",
			Metadata:      map[string]any{},
		}
	}
	res := unresolved(MethodBooleanConflict, "values_differ")
	res.Metadata["requires_manual"] = true
	return res
}

func resolveString(req Request) Resolution {
	local, lok := req.Local.NewValue.Str()
	remote, rok := req.Remote.NewValue.Str()
	if !lok || !rok {
		return unresolved(MethodStringConflict, "type_mismatch")
	}

	res := Resolution{Metadata: map[string]any{}}
	switch {
	case local == remote:
		res.ResolvedValue = value.String(local)
		res.Method = MethodStringMatch
		res.Confidence = 1.0
		res.Reason = "identical_values"
	case strings.Contains(local, remote):
		res.ResolvedValue = value.String(local)
		res.Method = MethodStringSuperset
		res.Confidence = 0.8
		res.Reason = "local_contains_remote"
	case strings.Contains(remote, local):
		res.ResolvedValue = value.String(remote)
		res.Method = MethodStringSuperset
		res.Confidence = 0.8
		res.Reason = "remote_contains_local"
	default:
		return unresolved(MethodStringConflict, "values_differ")
	}
	return res
}

// lastWriteWins keeps the change with the later timestamp. Ties go to local.
func lastWriteWins(local, remote Change) Resolution {
	winner, picked := "local", local
	if remote.Timestamp > local.Timestamp {
		winner, picked = "remote", remote
	}
	return writeOrder(MethodLastWriteWins, "later_timestamp", winner, picked, local, remote)
}

// firstWriteWins keeps the change with the earlier timestamp. Ties go to
// remote.
func firstWriteWins(local, remote Change) Resolution {
	winner, picked := "remote", remote
	if local.Timestamp < remote.Timestamp {
		winner, picked = "local", local
	}
	return writeOrder(MethodFirstWriteWins, "earlier_timestamp", winner, picked, local, remote)
}

func writeOrder(method Method, reason, winner string, picked, local, remote Change) Resolution {
	return Resolution{
		ResolvedValue: picked.NewValue,
		Method:        method,
		Confidence:    0.7,
		Reason:        reason,
		Metadata: map[string]any{
			"winner":           winner,
			"local_timestamp":  local.Timestamp,
			"remote_timestamp": remote.Timestamp,
		},
	}
}
