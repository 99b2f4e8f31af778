package resolve

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"

	"github.com/c0deZ3R0/go-conflict-kit/errors"
	"github.com/c0deZ3R0/go-conflict-kit/value"
)

var errNoStore = stderrors.New("no conflict store attached")

// ApplyUserChoice finalizes a stored conflict with a human pick. An unknown
// id yields an error wrapping ErrConflictNotFound. When the write-back
// fails the computed resolution is returned with the error.
func (e *Engine) ApplyUserChoice(ctx context.Context, req ChoiceRequest) (Resolution, error) {
	if e.store == nil {
		return Resolution{}, errors.E(errors.OpApplyChoice, errors.KindInvalid, errors.ErrCodeValidationFailure, errNoStore)
	}
	if !req.Choice.Valid() {
		return Resolution{}, errors.NewValidationError(errors.OpApplyChoice, fmt.Errorf("unknown choice %q", req.Choice))
	}

	rec, err := e.loadConflict(ctx, req.ConflictID)
	if err != nil {
		return Resolution{}, err
	}

	var resolved value.Value
	switch req.Choice {
	case ChoiceLocal:
		resolved = rec.Local.NewValue
	case ChoiceRemote:
		resolved = rec.Remote.NewValue
	case ChoiceMerge:
		resolved = SuggestMerge(rec.Local.NewValue, rec.Remote.NewValue)
	case ChoiceCustom:
		resolved = req.CustomValue
	}

	now := e.clock()
	res := Resolution{
		ResolvedValue: resolved,
		Method:        MethodUserChoice,
		Confidence:    1.0,
		Type:          UserResolved,
		Reason:        "user_selected_" + string(req.Choice),
		Timestamp:     now,
		Metadata: map[string]any{
			"choice":      string(req.Choice),
			"resolved_by": req.UserID,
		},
		ConflictID: rec.ID,
	}
	patch := ResolutionPatch{
		Resolution:       res,
		ResolutionMethod: MethodUserChoice,
		UserChoice:       req.Choice,
		ResolvedBy:       req.UserID,
		ResolvedAt:       now,
	}

	err = protect(errors.OpSaveResolution, func() error {
		return e.retry(ctx, func() error { return e.store.SaveResolution(ctx, rec.ID, patch) })
	})
	if err != nil {
		e.observe(ctx, "metrics", func() { e.metrics.RecordCollaboratorError("store", string(errors.OpSaveResolution)) })
		e.logger.LogError(ctx, err, "failed to save user choice",
			slog.String("conflict_id", rec.ID))
		return res, errors.E(errors.OpApplyChoice, errors.ErrCodeStorageFailure, err)
	}

	e.observe(ctx, "metrics", func() { e.metrics.RecordUserChoice(req.Choice) })
	e.broadcast(ctx, rec.SessionID, EventResolved, Event{
		ConflictID: rec.ID,
		SessionID:  rec.SessionID,
		FieldName:  rec.FieldName,
		ResolvedBy: req.UserID,
		Resolution: res,
	})
	return res, nil
}

// Conflict returns a stored record.
func (e *Engine) Conflict(ctx context.Context, id string) (*ConflictRecord, error) {
	if e.store == nil {
		return nil, errors.E(errors.OpLoadConflict, errors.KindInvalid, errors.ErrCodeValidationFailure, errNoStore)
	}
	return e.loadConflict(ctx, id)
}

// History lists a session's conflicts, newest first.
func (e *Engine) History(ctx context.Context, sessionID string, limit int) ([]*ConflictRecord, error) {
	if e.store == nil {
		return nil, errors.E(errors.OpListConflicts, errors.KindInvalid, errors.ErrCodeValidationFailure, errNoStore)
	}
	recs, err := e.store.ListConflicts(ctx, sessionID, limit)
	if err != nil {
		return nil, errors.E(errors.OpListConflicts, errors.ErrCodeStorageFailure, err)
	}
	return recs, nil
}

func (e *Engine) loadConflict(ctx context.Context, id string) (*ConflictRecord, error) {
	rec, err := e.store.LoadConflict(ctx, id)
	if err == nil {
		return rec, nil
	}
	if stderrors.Is(err, ErrConflictNotFound) {
		return nil, errors.E(errors.OpLoadConflict, errors.KindNotFound, errors.ErrCodeNotFound, err)
	}
	return nil, errors.E(errors.OpLoadConflict, errors.ErrCodeStorageFailure, err)
}
