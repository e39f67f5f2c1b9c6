package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"github.com/jrepp/botfleet/pkg/fleet"
	"github.com/jrepp/botfleet/pkg/storage"
)

func encodeFeatures(features map[string]bool) (string, error) {
	if features == nil {
		features = map[string]bool{}
	}
	b, err := json.Marshal(features)
	return string(b), err
}

func decodeFeatures(raw string) map[string]bool {
	features := map[string]bool{}
	if raw == "" {
		return features
	}
	// A corrupt blob falls back to defaults rather than failing the read.
	if err := json.Unmarshal([]byte(raw), &features); err != nil {
		return map[string]bool{}
	}
	return features
}

// GetSettings returns the worker's settings with defaults filled in for
// anything that was never set.
func (r *Registry) GetSettings(ctx context.Context, id int64) (*fleet.Settings, error) {
	if _, err := r.Get(ctx, id); err != nil {
		return nil, err
	}

	settings := fleet.DefaultSettings(id)

	var (
		prefix    sql.NullString
		features  string
		updatedAt int64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT prefix, features, updated_at FROM worker_settings WHERE worker_id = ?
	`, id).Scan(&prefix, &features, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return settings, nil
	}
	if err != nil {
		return nil, fleet.StoreError("get_settings", err).WithContext("worker_id", id)
	}

	if prefix.Valid {
		p := prefix.String
		settings.Prefix = &p
	}
	for name, on := range decodeFeatures(features) {
		settings.Features[name] = on
	}
	settings.UpdatedAt = storage.FromMillis(updatedAt)
	return settings, nil
}

// UpsertSettings applies a partial update. A nil prefix or feature map
// leaves the stored value alone; an empty prefix clears it back to the
// default. Feature keys present in the patch overwrite only those keys.
func (r *Registry) UpsertSettings(ctx context.Context, id int64, patch fleet.SettingsPatch) (*fleet.Settings, error) {
	if patch.Prefix != nil && strings.ContainsAny(*patch.Prefix, " \t\n") {
		return nil, fleet.InvalidArgument("prefix", "must not contain whitespace")
	}
	if _, err := r.Get(ctx, id); err != nil {
		return nil, err
	}

	err := r.db.InTx(ctx, func(tx *sql.Tx) error {
		var (
			prefix   sql.NullString
			features string
		)
		err := tx.QueryRowContext(ctx, `
			SELECT prefix, features FROM worker_settings WHERE worker_id = ?
		`, id).Scan(&prefix, &features)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		if patch.Prefix != nil {
			prefix = sql.NullString{String: *patch.Prefix, Valid: *patch.Prefix != ""}
		}

		merged := decodeFeatures(features)
		for name, on := range patch.Features {
			merged[name] = on
		}
		encoded, err := encodeFeatures(merged)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO worker_settings (worker_id, prefix, features, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(worker_id) DO UPDATE SET
				prefix = excluded.prefix,
				features = excluded.features,
				updated_at = excluded.updated_at
		`, id, prefix, encoded, storage.Millis(r.now()))
		return err
	})
	if err != nil {
		return nil, fleet.StoreError("upsert_settings", err).WithContext("worker_id", id)
	}

	return r.GetSettings(ctx, id)
}
