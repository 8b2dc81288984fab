package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/routinesync/internal/model"
)

const upsertRoutineSQL = `
	INSERT INTO routines
	(owner_key, id, name, cadence, start_date, end_date, notify_enabled, notify_time, timezone, tags, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(owner_key, id) DO UPDATE SET
		name = excluded.name,
		cadence = excluded.cadence,
		start_date = excluded.start_date,
		end_date = excluded.end_date,
		notify_enabled = excluded.notify_enabled,
		notify_time = excluded.notify_time,
		timezone = excluded.timezone,
		tags = excluded.tags,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at
`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertRoutine(ctx context.Context, ex execer, owner model.OwnerKey, r model.Routine) error {
	tagsJSON, err := marshalTags(r.Tags)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, upsertRoutineSQL,
		string(owner),
		r.ID,
		r.Name,
		string(r.Cadence),
		r.StartDate.String(),
		nullableDate(r.EndDate),
		boolToInt(r.NotifyEnabled),
		nullableClockTime(r.NotifyTime),
		r.Timezone,
		tagsJSON,
		formatInstant(r.CreatedAt),
		unixNanos(r.UpdatedAt),
	)
	return err
}

// UpsertRoutine inserts or fully replaces one routine row in owner's partition.
// The row is written exactly as given, including UpdatedAt, so a captured
// snapshot can be restored bit-for-bit.
func (s *Store) UpsertRoutine(ctx context.Context, owner model.OwnerKey, r model.Routine) error {
	if err := upsertRoutine(ctx, s.db, owner, r); err != nil {
		return fmt.Errorf("upsert routine %s: %w", r.ID, err)
	}
	s.watchers.notify(owner, TableRoutines)
	return nil
}

// UpsertRoutines writes many rows in one transaction and signals watchers once.
func (s *Store) UpsertRoutines(ctx context.Context, owner model.OwnerKey, routines []model.Routine) error {
	if len(routines) == 0 {
		return nil
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, r := range routines {
			if err := upsertRoutine(ctx, tx, owner, r); err != nil {
				return fmt.Errorf("routine %s: %w", r.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("upsert routines: %w", err)
	}
	s.watchers.notify(owner, TableRoutines)
	return nil
}

// DeleteRoutine removes one row. Returns whether a row existed.
func (s *Store) DeleteRoutine(ctx context.Context, owner model.OwnerKey, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM routines WHERE owner_key = ? AND id = ?`, string(owner), id)
	if err != nil {
		return false, fmt.Errorf("delete routine %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete routine %s: %w", id, err)
	}
	if n > 0 {
		s.watchers.notify(owner, TableRoutines)
	}
	return n > 0, nil
}

// DeleteRoutinesExcept removes every routine in owner's partition whose id is
// not in keep. Returns the number of rows removed.
func (s *Store) DeleteRoutinesExcept(ctx context.Context, owner model.OwnerKey, keep []string) (int64, error) {
	keepSet := make(map[string]bool, len(keep))
	for _, id := range keep {
		keepSet[id] = true
	}

	var removed int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id FROM routines WHERE owner_key = ?`, string(owner))
		if err != nil {
			return err
		}
		var stale []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			if !keepSet[id] {
				stale = append(stale, id)
			}
		}
		if err := rows.Close(); err != nil {
			return err
		}
		for _, id := range stale {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM routines WHERE owner_key = ? AND id = ?`, string(owner), id); err != nil {
				return err
			}
		}
		removed = int64(len(stale))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prune routines: %w", err)
	}
	if removed > 0 {
		s.watchers.notify(owner, TableRoutines)
	}
	return removed, nil
}

func upsertCompletion(ctx context.Context, ex execer, m model.CompletionMark) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO completions (owner_key, routine_id, date, completed, synced, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_key, routine_id, date) DO UPDATE SET
			completed = excluded.completed,
			synced = excluded.synced,
			updated_at = excluded.updated_at
	`,
		string(m.Owner),
		m.RoutineID,
		m.Date.String(),
		boolToInt(m.Completed),
		boolToInt(m.Synced),
		unixNanos(m.UpdatedAt),
	)
	return err
}

// UpsertCompletion inserts or replaces the mark for (owner, routine, date).
func (s *Store) UpsertCompletion(ctx context.Context, m model.CompletionMark) error {
	if err := upsertCompletion(ctx, s.db, m); err != nil {
		return fmt.Errorf("upsert completion %s/%s: %w", m.RoutineID, m.Date, err)
	}
	s.watchers.notify(m.Owner, TableCompletions)
	return nil
}

// insertPending appends p unless its op_id is already stored, and returns
// the stored row with whether it was new.
func insertPending(ctx context.Context, tx *sql.Tx, p model.PendingMutation) (model.PendingMutation, bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO pending_mutations
		(op_id, owner_key, routine_id, completed_at, local_date, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(op_id) DO NOTHING
	`,
		p.OpID,
		string(p.Owner),
		p.RoutineID,
		formatInstant(p.CompletedAt),
		p.LocalDate.String(),
		unixNanos(p.EnqueuedAt),
	)
	if err != nil {
		return model.PendingMutation{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.PendingMutation{}, false, err
	}

	row := tx.QueryRowContext(ctx, `
		SELECT `+pendingColumns+`
		FROM pending_mutations
		WHERE op_id = ?
	`, p.OpID)
	stored, err := scanPending(row)
	if err != nil {
		return model.PendingMutation{}, false, err
	}
	return stored, n > 0, nil
}

// InsertPending durably appends a pending mutation.
//
// Uses ON CONFLICT(op_id) DO NOTHING for idempotency: inserting an op_id
// that already exists leaves the stored row untouched. Either way the stored
// row (with its assigned Seq) is returned, along with whether it was new.
func (s *Store) InsertPending(ctx context.Context, p model.PendingMutation) (model.PendingMutation, bool, error) {
	var (
		stored   model.PendingMutation
		inserted bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		stored, inserted, err = insertPending(ctx, tx, p)
		return err
	})
	if err != nil {
		return model.PendingMutation{}, false, fmt.Errorf("insert pending %s: %w", p.OpID, err)
	}
	if inserted {
		s.watchers.notify(p.Owner, TablePending)
	}
	return stored, inserted, nil
}

// RecordCompletion writes the mark m and its pending mutation p in one
// transaction: either both rows are committed or neither is. The pending
// row follows InsertPending's op_id idempotency.
func (s *Store) RecordCompletion(ctx context.Context, m model.CompletionMark, p model.PendingMutation) (model.PendingMutation, bool, error) {
	if m.Owner != p.Owner {
		return model.PendingMutation{}, false, fmt.Errorf("record completion: mark owner %q differs from entry owner %q", m.Owner, p.Owner)
	}
	var (
		stored   model.PendingMutation
		inserted bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := upsertCompletion(ctx, tx, m); err != nil {
			return err
		}
		var err error
		stored, inserted, err = insertPending(ctx, tx, p)
		return err
	})
	if err != nil {
		return model.PendingMutation{}, false, fmt.Errorf("record completion %s/%s: %w", m.RoutineID, m.Date, err)
	}
	s.watchers.notify(m.Owner, TableCompletions)
	if inserted {
		s.watchers.notify(p.Owner, TablePending)
	}
	return stored, inserted, nil
}

// AckPending deletes exactly the given op_ids from owner's partition after
// remote confirmation, and marks each affected completion as synced when no
// other pending row still refers to it. Unknown op_ids are ignored.
// Returns the number of pending rows deleted.
func (s *Store) AckPending(ctx context.Context, owner model.OwnerKey, opIDs []string, now time.Time) (int64, error) {
	if len(opIDs) == 0 {
		return 0, nil
	}

	type markKey struct{ routineID, date string }
	var (
		deleted int64
		synced  int64
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		marks := make(map[markKey]bool)
		for _, opID := range opIDs {
			var k markKey
			err := tx.QueryRowContext(ctx, `
				SELECT routine_id, local_date FROM pending_mutations
				WHERE owner_key = ? AND op_id = ?
			`, string(owner), opID).Scan(&k.routineID, &k.date)
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx,
				`DELETE FROM pending_mutations WHERE owner_key = ? AND op_id = ?`, string(owner), opID)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			deleted += n
			marks[k] = true
		}

		for k := range marks {
			res, err := tx.ExecContext(ctx, `
				UPDATE completions SET synced = 1, updated_at = ?
				WHERE owner_key = ? AND routine_id = ? AND date = ? AND completed = 1 AND synced = 0
				AND NOT EXISTS (
					SELECT 1 FROM pending_mutations p
					WHERE p.owner_key = ? AND p.routine_id = ? AND p.local_date = ?
				)
			`, unixNanos(now), string(owner), k.routineID, k.date, string(owner), k.routineID, k.date)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			synced += n
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("ack pending: %w", err)
	}

	if deleted > 0 {
		s.watchers.notify(owner, TablePending)
	}
	if synced > 0 {
		s.watchers.notify(owner, TableCompletions)
	}
	return deleted, nil
}

// PutSnapshot inserts or replaces a cached remote statistics payload.
func (s *Store) PutSnapshot(ctx context.Context, snap model.StatisticsSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stats_snapshots (month, tz, owner_scope, payload, fetched_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(month, tz, owner_scope) DO UPDATE SET
			payload = excluded.payload,
			fetched_at = excluded.fetched_at
	`,
		snap.Month.String(),
		snap.Timezone,
		string(snap.OwnerScope),
		snap.Payload,
		unixNanos(snap.FetchedAt),
	)
	if err != nil {
		return fmt.Errorf("put snapshot %s: %w", snap.Month, err)
	}
	s.watchers.notify(snap.OwnerScope, TableSnapshots)
	return nil
}

// SetSetting stores a key/value pair, replacing any previous value.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	s.watchers.notify("", TableSettings)
	return nil
}

// DeleteSetting removes a key. Missing keys are not an error.
func (s *Store) DeleteSetting(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete setting %s: %w", key, err)
	}
	s.watchers.notify("", TableSettings)
	return nil
}
