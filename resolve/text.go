package resolve

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/c0deZ3R0/go-conflict-kit/value"
)

// SimilarityThreshold is the ratio above which the text fallback keeps the
// longer string.
const SimilarityThreshold = 0.8

func (e *Engine) resolveText(ctx context.Context, req Request) Resolution {
	local, lok := req.Local.NewValue.Str()
	remote, rok := req.Remote.NewValue.Str()
	if !lok || !rok {
		return unresolved(MethodTextDiff, "type_mismatch")
	}
	base, baseOK := req.Base.Str()

	if e.transformer != nil && len(req.Local.Operation) > 0 && len(req.Remote.Operation) > 0 {
		merged, err := e.transform(base, req.Local, req.Remote)
		if err == nil {
			return Resolution{
				ResolvedValue: value.String(merged),
				Method:        MethodOperationalTransform,
				Confidence:    0.95,
				Reason:        "operations_transformed",
				Metadata:      map[string]any{},
			}
		}
		e.logger.LogWarn(ctx, err, "operational transform failed, using diff",
			slog.String("field", req.FieldName))
	}

	if local == remote {
		return Resolution{
			ResolvedValue: value.String(local),
			Method:        MethodThreeWayMerge,
			Confidence:    1.0,
			Reason:        "identical_changes",
			Metadata:      map[string]any{},
		}
	}

	if !baseOK || base == "" {
		return similarityMerge(local, remote)
	}
	return threeWayMerge(base, local, remote)
}

// transform applies local then remote rebased over local to base. A panic
// in the transform engine is returned as an error.
func (e *Engine) transform(base string, local, remote Change) (_ string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transform panic: %v", r)
		}
	}()
	_, remotePrime, err := e.transformer.Transform(local.Operation, remote.Operation)
	if err != nil {
		return "", fmt.Errorf("transform: %w", err)
	}
	text, err := e.transformer.Apply(local.Operation, base)
	if err != nil {
		return "", fmt.Errorf("apply local: %w", err)
	}
	text, err = e.transformer.Apply(remotePrime, text)
	if err != nil {
		return "", fmt.Errorf("apply remote: %w", err)
	}
	return text, nil
}

func threeWayMerge(base, local, remote string) Resolution {
	switch {
	case base == local:
		return Resolution{
			ResolvedValue: value.String(remote),
			Method:        MethodThreeWayMerge,
			Confidence:    1.0,
			Reason:        "remote_unchanged",
			Metadata:      map[string]any{"changed": "remote"},
		}
	case base == remote:
		return Resolution{
			ResolvedValue: value.String(local),
			Method:        MethodThreeWayMerge,
			Confidence:    1.0,
			Reason:        "local_unchanged",
			Metadata:      map[string]any{"changed": "local"},
		}
	}

	if merged, ok := mergeLines(base, local, remote); ok {
		return Resolution{
			ResolvedValue: value.String(merged),
			Method:        MethodThreeWayMerge,
			Confidence:    0.85,
			Reason:        "non_overlapping_changes",
			Metadata:      map[string]any{"changed": "both"},
		}
	}

	res := similarityMerge(local, remote)
	res.Metadata["merge_conflicts"] = true
	return res
}

// similarityMerge keeps the longer text when both are close enough.
func similarityMerge(local, remote string) Resolution {
	ratio := Similarity(local, remote)
	if ratio > SimilarityThreshold {
		picked := local
		if len([]rune(remote)) > len([]rune(local)) {
			picked = remote
		}
		return Resolution{
			ResolvedValue: value.String(picked),
			Method:        MethodTextDiff,
			Confidence:    ratio,
			Reason:        "high_similarity",
			Metadata:      map[string]any{"similarity": ratio},
		}
	}
	res := unresolved(MethodTextDiff, "low_similarity")
	res.Metadata["similarity"] = ratio
	return res
}

// Similarity is the Ratcliff-Obershelp ratio of a and b over code points.
func Similarity(a, b string) float64 {
	return difflib.NewMatcher(runes(a), runes(b)).Ratio()
}

func runes(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}

// splitLines keeps line terminators so joining the result is lossless.
func splitLines(s string) []string {
	lines := strings.SplitAfter(s, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// lineEdit replaces base lines [i1, i2) with lines.
type lineEdit struct {
	i1, i2 int
	lines  []string
}

// touched returns the base line positions an edit claims. An insertion
// claims the line it is anchored before.
func (le lineEdit) touched() []int {
	if le.i1 == le.i2 {
		return []int{le.i1}
	}
	out := make([]int, 0, le.i2-le.i1)
	for i := le.i1; i < le.i2; i++ {
		out = append(out, i)
	}
	return out
}

func lineEdits(base, x []string) []lineEdit {
	var edits []lineEdit
	for _, op := range difflib.NewMatcher(base, x).GetOpCodes() {
		if op.Tag == 'e' {
			continue
		}
		edits = append(edits, lineEdit{i1: op.I1, i2: op.I2, lines: x[op.J1:op.J2]})
	}
	return edits
}

// mergeLines applies both sides' line edits to base. An edit both sides
// made identically is applied once. It reports false when the remaining
// edits touch a common base line.
func mergeLines(base, local, remote string) (string, bool) {
	baseLines := splitLines(base)
	localEdits := lineEdits(baseLines, splitLines(local))
	remoteEdits := withoutConverged(lineEdits(baseLines, splitLines(remote)), localEdits)

	claimed := make(map[int]bool)
	for _, le := range localEdits {
		for _, i := range le.touched() {
			claimed[i] = true
		}
	}
	for _, le := range remoteEdits {
		for _, i := range le.touched() {
			if claimed[i] {
				return "", false
			}
		}
	}

	edits := append(append([]lineEdit{}, localEdits...), remoteEdits...)
	sort.Slice(edits, func(i, j int) bool { return edits[i].i1 < edits[j].i1 })

	var b strings.Builder
	cursor := 0
	for _, le := range edits {
		for _, line := range baseLines[cursor:le.i1] {
			b.WriteString(line)
		}
		for _, line := range le.lines {
			b.WriteString(line)
		}
		cursor = le.i2
	}
	for _, line := range baseLines[cursor:] {
		b.WriteString(line)
	}
	return b.String(), true
}

func (le lineEdit) equal(o lineEdit) bool {
	if le.i1 != o.i1 || le.i2 != o.i2 || len(le.lines) != len(o.lines) {
		return false
	}
	for i := range le.lines {
		if le.lines[i] != o.lines[i] {
			return false
		}
	}
	return true
}

// withoutConverged drops the edits of theirs that ours already contains.
func withoutConverged(theirs, ours []lineEdit) []lineEdit {
	out := theirs[:0]
	for _, t := range theirs {
		dup := false
		for _, o := range ours {
			if t.equal(o) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, t)
		}
	}
	return out
}
