package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/dkeye/PeerMatch/internal/domain"
	"github.com/google/uuid"
)

func (s *Store) AppendMatch(ctx context.Context, rec domain.MatchRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	created := s.stamp()
	if !rec.CreatedAt.IsZero() {
		created = rec.CreatedAt.UnixNano()
	}
	if _, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO match_records (id, user1, user2, room_id, created_at) VALUES (?, ?, ?, ?, ?)`),
		rec.ID, rec.User1, rec.User2, rec.RoomID, created,
	); err != nil {
		return fmt.Errorf("insert match record: %w", err)
	}
	return nil
}

func (s *Store) PartnersOf(ctx context.Context, user domain.UserID) ([]domain.UserID, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT user2 FROM match_records WHERE user1 = ?
			UNION
			SELECT user1 FROM match_records WHERE user2 = ?`),
		user, user,
	)
	if err != nil {
		return nil, fmt.Errorf("query partners: %w", err)
	}
	defer rows.Close()

	var out []domain.UserID
	for rows.Next() {
		var id domain.UserID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan partner: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate partners: %w", err)
	}
	return out, nil
}

func (s *Store) EndMatch(ctx context.Context, room domain.RoomID, at time.Time) (bool, error) {
	ns := at.UnixNano()
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE match_records SET ended_at = ?, duration_seconds = (? - created_at) / 1000000000
			WHERE room_id = ? AND ended_at IS NULL`),
		ns, ns, room,
	)
	if err != nil {
		return false, fmt.Errorf("end match: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("end match rows: %w", err)
	}
	return n > 0, nil
}

// Matches lists the records a user took part in, newest first.
func (s *Store) Matches(ctx context.Context, user domain.UserID) ([]domain.MatchRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT id, user1, user2, room_id, created_at, ended_at, duration_seconds
			FROM match_records WHERE user1 = ? OR user2 = ?
			ORDER BY created_at DESC`),
		user, user,
	)
	if err != nil {
		return nil, fmt.Errorf("query matches: %w", err)
	}
	defer rows.Close()

	var out []domain.MatchRecord
	for rows.Next() {
		var (
			rec      domain.MatchRecord
			created  int64
			ended    *int64
			duration int64
		)
		if err := rows.Scan(&rec.ID, &rec.User1, &rec.User2, &rec.RoomID, &created, &ended, &duration); err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		rec.CreatedAt = fromStamp(created)
		if ended != nil {
			t := fromStamp(*ended)
			rec.EndedAt = &t
		}
		rec.Duration = time.Duration(duration) * time.Second
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate matches: %w", err)
	}
	return out, nil
}
