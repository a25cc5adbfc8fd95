package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/PeerMatch/internal/core"
	"github.com/dkeye/PeerMatch/internal/domain"
	"github.com/google/uuid"
)

const entryColumns = `seq, id, user_id, details, preferences, status, created_at, matched_with, room_id`

func (s *Store) Enqueue(ctx context.Context, e domain.QueueEntry) (domain.QueueEntry, error) {
	if e.ID == "" {
		e.ID = domain.EntryID(uuid.NewString())
	}
	details, err := json.Marshal(e.Details)
	if err != nil {
		return domain.QueueEntry{}, fmt.Errorf("encode details: %w", err)
	}
	prefs, err := json.Marshal(e.Preferences)
	if err != nil {
		return domain.QueueEntry{}, fmt.Errorf("encode preferences: %w", err)
	}
	stamp := s.stamp()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.QueueEntry{}, fmt.Errorf("%w: begin: %v", core.ErrQueueWriteConflict, err)
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx,
		s.q(`UPDATE queue_entries SET status = ? WHERE user_id = ? AND status = ?`),
		domain.StatusCancelled, e.UserID, domain.StatusWaiting,
	); err != nil {
		return domain.QueueEntry{}, fmt.Errorf("%w: cancel previous: %v", core.ErrQueueWriteConflict, err)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		s.q(`INSERT INTO queue_entries (id, user_id, details, preferences, role, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING seq`),
		e.ID, e.UserID, string(details), string(prefs), e.Details.Role, domain.StatusWaiting, stamp,
	).Scan(&seq); err != nil {
		return domain.QueueEntry{}, fmt.Errorf("%w: insert entry: %v", core.ErrQueueWriteConflict, err)
	}
	if err := tx.Commit(); err != nil {
		return domain.QueueEntry{}, fmt.Errorf("%w: commit: %v", core.ErrQueueWriteConflict, err)
	}

	e.Seq = seq
	e.Status = domain.StatusWaiting
	e.CreatedAt = fromStamp(stamp)
	e.MatchedWith = ""
	e.RoomID = ""
	return e, nil
}

func (s *Store) CancelWaiting(ctx context.Context, user domain.UserID) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE queue_entries SET status = ? WHERE user_id = ? AND status = ?`),
		domain.StatusCancelled, user, domain.StatusWaiting,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: cancel: %v", core.ErrQueueWriteConflict, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cancel rows: %w", err)
	}
	return n, nil
}

func (s *Store) OldestWaiting(ctx context.Context, exclude domain.UserID, limit int) ([]domain.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT `+entryColumns+` FROM queue_entries
			WHERE status = ? AND user_id <> ?
			ORDER BY created_at ASC, seq ASC
			LIMIT ?`),
		domain.StatusWaiting, exclude, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query waiting: %w", err)
	}
	defer rows.Close()

	out := make([]domain.QueueEntry, 0, limit)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate waiting: %w", err)
	}
	return out, nil
}

func (s *Store) LatestEntry(ctx context.Context, user domain.UserID) (domain.QueueEntry, bool, error) {
	row := s.db.QueryRowContext(ctx,
		s.q(`SELECT `+entryColumns+` FROM queue_entries WHERE user_id = ? ORDER BY seq DESC LIMIT 1`),
		user,
	)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.QueueEntry{}, false, nil
	}
	if err != nil {
		return domain.QueueEntry{}, false, err
	}
	return e, true, nil
}

func (s *Store) ActiveEntry(ctx context.Context, user domain.UserID) (domain.QueueEntry, bool, error) {
	row := s.db.QueryRowContext(ctx,
		s.q(`SELECT `+entryColumns+` FROM queue_entries
			WHERE user_id = ? AND status IN (?, ?)
			ORDER BY seq DESC LIMIT 1`),
		user, domain.StatusWaiting, domain.StatusMatched,
	)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.QueueEntry{}, false, nil
	}
	if err != nil {
		return domain.QueueEntry{}, false, err
	}
	return e, true, nil
}

func (s *Store) CommitMatch(ctx context.Context, a, b domain.QueueEntry, room domain.RoomID) error {
	if a.ID == b.ID || a.UserID == b.UserID {
		return fmt.Errorf("%w: cannot pair an entry with itself", core.ErrLostRace)
	}
	// Fixed lock order keeps two opposite commits from deadlocking on PostgreSQL.
	first, second := a, b
	if second.ID < first.ID {
		first, second = second, first
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", core.ErrQueueWriteConflict, err)
	}
	defer rollback(tx)

	pairs := [2][2]domain.QueueEntry{{first, second}, {second, first}}
	for _, p := range pairs {
		res, err := tx.ExecContext(ctx,
			s.q(`UPDATE queue_entries SET status = ?, matched_with = ?, room_id = ?
				WHERE id = ? AND status = ?`),
			domain.StatusMatched, p[1].UserID, room, p[0].ID, domain.StatusWaiting,
		)
		if err != nil {
			return fmt.Errorf("%w: transition %s: %v", core.ErrQueueWriteConflict, p[0].ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("%w: rows %s: %v", core.ErrQueueWriteConflict, p[0].ID, err)
		}
		if n != 1 {
			return fmt.Errorf("%w: entry %s no longer waiting", core.ErrLostRace, p[0].ID)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", core.ErrQueueWriteConflict, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (domain.QueueEntry, error) {
	var (
		e              domain.QueueEntry
		details, prefs string
		created        int64
	)
	if err := r.Scan(&e.Seq, &e.ID, &e.UserID, &details, &prefs, &e.Status, &created, &e.MatchedWith, &e.RoomID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("scan entry: %w", err)
	}
	if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
		return e, fmt.Errorf("decode details of %s: %w", e.ID, err)
	}
	if err := json.Unmarshal([]byte(prefs), &e.Preferences); err != nil {
		return e, fmt.Errorf("decode preferences of %s: %w", e.ID, err)
	}
	e.CreatedAt = fromStamp(created)
	return e, nil
}
