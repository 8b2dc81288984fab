package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/routinesync/internal/model"
)

const routineColumns = `id, name, cadence, start_date, end_date, notify_enabled, notify_time, timezone, tags, created_at, updated_at`

const pendingColumns = `seq, op_id, owner_key, routine_id, completed_at, local_date, enqueued_at`

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// GetRoutine retrieves one routine from owner's partition.
// Returns ErrNotFound if absent.
func (s *Store) GetRoutine(ctx context.Context, owner model.OwnerKey, id string) (model.Routine, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+routineColumns+`
		FROM routines
		WHERE owner_key = ? AND id = ?
	`, string(owner), id)

	r, err := scanRoutine(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Routine{}, fmt.Errorf("routine %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Routine{}, fmt.Errorf("get routine %s: %w", id, err)
	}
	return r, nil
}

// ListRoutines returns owner's routines, most recently updated first.
// Ties break on id so the order is deterministic.
//
// Returns an empty slice (not nil) when the partition is empty.
func (s *Store) ListRoutines(ctx context.Context, owner model.OwnerKey) ([]model.Routine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+routineColumns+`
		FROM routines
		WHERE owner_key = ?
		ORDER BY updated_at DESC, id COLLATE BINARY ASC
	`, string(owner))
	if err != nil {
		return nil, fmt.Errorf("query routines: %w", err)
	}
	defer rows.Close()

	routines := []model.Routine{}
	for rows.Next() {
		r, err := scanRoutine(rows)
		if err != nil {
			return nil, err
		}
		routines = append(routines, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate routines: %w", err)
	}
	return routines, nil
}

func scanRoutine(sc scanner) (model.Routine, error) {
	var (
		r          model.Routine
		cadence    string
		startDate  string
		endDate    sql.NullString
		notify     int
		notifyTime sql.NullString
		tagsJSON   string
		createdAt  string
		updatedAt  int64
	)
	if err := sc.Scan(&r.ID, &r.Name, &cadence, &startDate, &endDate, &notify,
		&notifyTime, &r.Timezone, &tagsJSON, &createdAt, &updatedAt); err != nil {
		return model.Routine{}, err
	}

	var err error
	r.Cadence = model.Cadence(cadence)
	r.NotifyEnabled = notify != 0
	r.UpdatedAt = fromUnixNanos(updatedAt)
	if r.StartDate, err = model.ParseDate(startDate); err != nil {
		return model.Routine{}, fmt.Errorf("scan routine %s: start_date: %w", r.ID, err)
	}
	if r.EndDate, err = parseNullableDate(endDate); err != nil {
		return model.Routine{}, fmt.Errorf("scan routine %s: end_date: %w", r.ID, err)
	}
	if r.NotifyTime, err = parseNullableClockTime(notifyTime); err != nil {
		return model.Routine{}, fmt.Errorf("scan routine %s: notify_time: %w", r.ID, err)
	}
	if r.Tags, err = unmarshalTags(tagsJSON); err != nil {
		return model.Routine{}, fmt.Errorf("scan routine %s: %w", r.ID, err)
	}
	if r.CreatedAt, err = parseInstant(createdAt); err != nil {
		return model.Routine{}, fmt.Errorf("scan routine %s: created_at: %w", r.ID, err)
	}
	return r, nil
}

// GetCompletion retrieves the mark for (owner, routine, date).
// Returns ErrNotFound if no mark was ever written.
func (s *Store) GetCompletion(ctx context.Context, owner model.OwnerKey, routineID string, date model.Date) (model.CompletionMark, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT owner_key, routine_id, date, completed, synced, updated_at
		FROM completions
		WHERE owner_key = ? AND routine_id = ? AND date = ?
	`, string(owner), routineID, date.String())

	m, err := scanCompletion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.CompletionMark{}, fmt.Errorf("completion %s/%s: %w", routineID, date, ErrNotFound)
	}
	if err != nil {
		return model.CompletionMark{}, fmt.Errorf("get completion: %w", err)
	}
	return m, nil
}

// ListCompletions returns owner's marks with from <= date < toExclusive,
// ordered by date then routine id.
func (s *Store) ListCompletions(ctx context.Context, owner model.OwnerKey, from, toExclusive model.Date) ([]model.CompletionMark, error) {
	// YYYY-MM-DD compares correctly as text
	rows, err := s.db.QueryContext(ctx, `
		SELECT owner_key, routine_id, date, completed, synced, updated_at
		FROM completions
		WHERE owner_key = ? AND date >= ? AND date < ?
		ORDER BY date ASC, routine_id COLLATE BINARY ASC
	`, string(owner), from.String(), toExclusive.String())
	if err != nil {
		return nil, fmt.Errorf("query completions: %w", err)
	}
	defer rows.Close()

	marks := []model.CompletionMark{}
	for rows.Next() {
		m, err := scanCompletion(rows)
		if err != nil {
			return nil, err
		}
		marks = append(marks, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate completions: %w", err)
	}
	return marks, nil
}

// CompletedRoutineIDs returns the ids of routines with a completed mark on date.
func (s *Store) CompletedRoutineIDs(ctx context.Context, owner model.OwnerKey, date model.Date) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT routine_id FROM completions
		WHERE owner_key = ? AND date = ? AND completed = 1
		ORDER BY routine_id COLLATE BINARY ASC
	`, string(owner), date.String())
	if err != nil {
		return nil, fmt.Errorf("query completed ids: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan completed id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate completed ids: %w", err)
	}
	return ids, nil
}

func scanCompletion(sc scanner) (model.CompletionMark, error) {
	var (
		m         model.CompletionMark
		owner     string
		date      string
		completed int
		synced    int
		updatedAt int64
	)
	if err := sc.Scan(&owner, &m.RoutineID, &date, &completed, &synced, &updatedAt); err != nil {
		return model.CompletionMark{}, err
	}
	d, err := model.ParseDate(date)
	if err != nil {
		return model.CompletionMark{}, fmt.Errorf("scan completion %s: %w", m.RoutineID, err)
	}
	m.Owner = model.OwnerKey(owner)
	m.Date = d
	m.Completed = completed != 0
	m.Synced = synced != 0
	m.UpdatedAt = fromUnixNanos(updatedAt)
	return m, nil
}

// OldestPending returns up to limit pending mutations of owner in FIFO
// (seq) order. A limit <= 0 returns all of them.
func (s *Store) OldestPending(ctx context.Context, owner model.OwnerKey, limit int) ([]model.PendingMutation, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+pendingColumns+`
		FROM pending_mutations
		WHERE owner_key = ?
		ORDER BY seq ASC
		LIMIT ?
	`, string(owner), limit)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()

	pending := []model.PendingMutation{}
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		pending = append(pending, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending: %w", err)
	}
	return pending, nil
}

// CountPending returns the number of unconfirmed mutations of owner.
func (s *Store) CountPending(ctx context.Context, owner model.OwnerKey) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_mutations WHERE owner_key = ?`, string(owner)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// PendingOwners lists every owner that still has pending mutations.
func (s *Store) PendingOwners(ctx context.Context) ([]model.OwnerKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT owner_key FROM pending_mutations ORDER BY owner_key ASC`)
	if err != nil {
		return nil, fmt.Errorf("query pending owners: %w", err)
	}
	defer rows.Close()

	owners := []model.OwnerKey{}
	for rows.Next() {
		var o string
		if err := rows.Scan(&o); err != nil {
			return nil, fmt.Errorf("scan pending owner: %w", err)
		}
		owners = append(owners, model.OwnerKey(o))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending owners: %w", err)
	}
	return owners, nil
}

func scanPending(sc scanner) (model.PendingMutation, error) {
	var (
		p           model.PendingMutation
		owner       string
		completedAt string
		localDate   string
		enqueuedAt  int64
	)
	if err := sc.Scan(&p.Seq, &p.OpID, &owner, &p.RoutineID, &completedAt, &localDate, &enqueuedAt); err != nil {
		return model.PendingMutation{}, err
	}
	var err error
	p.Owner = model.OwnerKey(owner)
	p.EnqueuedAt = fromUnixNanos(enqueuedAt)
	if p.CompletedAt, err = parseInstant(completedAt); err != nil {
		return model.PendingMutation{}, fmt.Errorf("scan pending %s: completed_at: %w", p.OpID, err)
	}
	if p.LocalDate, err = model.ParseDate(localDate); err != nil {
		return model.PendingMutation{}, fmt.Errorf("scan pending %s: local_date: %w", p.OpID, err)
	}
	return p, nil
}

// GetSnapshot retrieves a cached remote statistics payload.
// Returns ErrNotFound if none was stored.
func (s *Store) GetSnapshot(ctx context.Context, month model.Month, tz string, scope model.OwnerKey) (model.StatisticsSnapshot, error) {
	var (
		snap      = model.StatisticsSnapshot{Month: month, Timezone: tz, OwnerScope: scope}
		fetchedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT payload, fetched_at FROM stats_snapshots
		WHERE month = ? AND tz = ? AND owner_scope = ?
	`, month.String(), tz, string(scope)).Scan(&snap.Payload, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.StatisticsSnapshot{}, fmt.Errorf("snapshot %s/%s: %w", month, tz, ErrNotFound)
	}
	if err != nil {
		return model.StatisticsSnapshot{}, fmt.Errorf("get snapshot: %w", err)
	}
	snap.FetchedAt = fromUnixNanos(fetchedAt)
	return snap, nil
}

// GetSetting returns the value stored under key, or ErrNotFound.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("setting %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, nil
}
