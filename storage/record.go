// Package storage holds the row codec shared by the SQL conflict stores.
// Implementations live in the subpackages.
package storage

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/c0deZ3R0/go-conflict-kit/errors"
	"github.com/c0deZ3R0/go-conflict-kit/resolve"
	"github.com/c0deZ3R0/go-conflict-kit/value"
)

// Row is a ConflictRecord flattened to columns. Changes, the base value and
// the resolution are JSON documents.
type Row struct {
	ID               string       `db:"id"`
	SessionID        string       `db:"session_id"`
	FieldName        string       `db:"field_name"`
	ConflictType     string       `db:"conflict_type"`
	LocalChange      JSONDoc      `db:"local_change"`
	RemoteChange     JSONDoc      `db:"remote_change"`
	BaseValue        JSONDoc      `db:"base_value"`
	Resolution       JSONDoc      `db:"resolution"`
	ResolutionMethod string       `db:"resolution_method"`
	UserChoice       string       `db:"user_choice"`
	ResolvedBy       string       `db:"resolved_by"`
	CreatedAt        time.Time    `db:"created_at"`
	ResolvedAt       sql.NullTime `db:"resolved_at"`
}

// JSONDoc is a JSON column. It is written as text so drivers that send
// []byte as bytea still feed json and jsonb columns.
type JSONDoc []byte

func (d JSONDoc) Value() (driver.Value, error) {
	if d == nil {
		return nil, nil
	}
	return string(d), nil
}

func (d *JSONDoc) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*d = nil
	case []byte:
		*d = append((*d)[:0], v...)
	case string:
		*d = JSONDoc(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONDoc", src)
	}
	return nil
}

// EncodeRecord flattens rec. Times are stored in UTC.
func EncodeRecord(rec *resolve.ConflictRecord) (Row, error) {
	row := Row{
		ID:               rec.ID,
		SessionID:        rec.SessionID,
		FieldName:        rec.FieldName,
		ConflictType:     string(rec.ConflictType),
		ResolutionMethod: string(rec.ResolutionMethod),
		UserChoice:       string(rec.UserChoice),
		ResolvedBy:       rec.ResolvedBy,
		CreatedAt:        rec.CreatedAt.UTC(),
	}
	if rec.ResolvedAt != nil {
		row.ResolvedAt = sql.NullTime{Time: rec.ResolvedAt.UTC(), Valid: true}
	}

	var err error
	if row.LocalChange, err = json.Marshal(rec.Local); err != nil {
		return Row{}, encodeErr("local change", err)
	}
	if row.RemoteChange, err = json.Marshal(rec.Remote); err != nil {
		return Row{}, encodeErr("remote change", err)
	}
	if row.BaseValue, err = json.Marshal(rec.Base); err != nil {
		return Row{}, encodeErr("base value", err)
	}
	if row.Resolution, err = json.Marshal(rec.Resolution); err != nil {
		return Row{}, encodeErr("resolution", err)
	}
	return row, nil
}

// Decode rebuilds the record.
func (r Row) Decode() (*resolve.ConflictRecord, error) {
	rec := &resolve.ConflictRecord{
		ID:               r.ID,
		SessionID:        r.SessionID,
		FieldName:        r.FieldName,
		ConflictType:     resolve.FieldType(r.ConflictType),
		ResolutionMethod: resolve.Method(r.ResolutionMethod),
		UserChoice:       resolve.Choice(r.UserChoice),
		ResolvedBy:       r.ResolvedBy,
		CreatedAt:        r.CreatedAt.UTC(),
	}
	if r.ResolvedAt.Valid {
		at := r.ResolvedAt.Time.UTC()
		rec.ResolvedAt = &at
	}
	if err := json.Unmarshal(r.LocalChange, &rec.Local); err != nil {
		return nil, decodeErr(r.ID, "local change", err)
	}
	if err := json.Unmarshal(r.RemoteChange, &rec.Remote); err != nil {
		return nil, decodeErr(r.ID, "remote change", err)
	}
	if len(r.BaseValue) > 0 {
		var base value.Value
		if err := json.Unmarshal(r.BaseValue, &base); err != nil {
			return nil, decodeErr(r.ID, "base value", err)
		}
		rec.Base = base
	}
	if err := json.Unmarshal(r.Resolution, &rec.Resolution); err != nil {
		return nil, decodeErr(r.ID, "resolution", err)
	}
	return rec, nil
}

// EncodePatch returns the resolution document of a patch.
func EncodePatch(p resolve.ResolutionPatch) (JSONDoc, error) {
	data, err := json.Marshal(p.Resolution)
	if err != nil {
		return nil, encodeErr("resolution", err)
	}
	return data, nil
}

// NotFound wraps resolve.ErrConflictNotFound for id.
func NotFound(op errors.Operation, component, id string) error {
	return errors.E(op, errors.Component(component), errors.KindNotFound, errors.ErrCodeNotFound,
		fmt.Errorf("%s: %w", id, resolve.ErrConflictNotFound))
}

func encodeErr(what string, err error) error {
	return errors.E(errors.OpLogConflict, errors.KindInvalid, errors.ErrCodeValidationFailure,
		fmt.Errorf("encode %s: %w", what, err))
}

func decodeErr(id, what string, err error) error {
	return errors.E(errors.OpLoadConflict, errors.KindInternal, errors.ErrCodeStorageFailure,
		fmt.Errorf("decode %s of %s: %w", what, id, err))
}
