package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/PeerMatch/internal/domain"
)

func (s *Store) AppendSignal(ctx context.Context, msg domain.SignalMessage) (domain.SignalMessage, error) {
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return domain.SignalMessage{}, fmt.Errorf("encode payload: %w", err)
	}
	stamp := s.stamp()
	var seq int64
	if err := s.db.QueryRowContext(ctx,
		s.q(`INSERT INTO signals (room_id, sender, receiver, kind, payload, sent_at)
			VALUES (?, ?, ?, ?, ?, ?) RETURNING seq`),
		msg.RoomID, msg.From, msg.To, msg.Kind, string(payload), stamp,
	).Scan(&seq); err != nil {
		return domain.SignalMessage{}, fmt.Errorf("insert signal: %w", err)
	}
	msg.Seq = seq
	msg.SentAt = fromStamp(stamp)
	return msg, nil
}

func (s *Store) SignalsAfter(ctx context.Context, room domain.RoomID, receiver domain.UserID, afterSeq int64, limit int) ([]domain.SignalMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT seq, room_id, sender, receiver, kind, payload, sent_at FROM signals
			WHERE room_id = ? AND receiver = ? AND seq > ?
			ORDER BY seq ASC
			LIMIT ?`),
		room, receiver, afterSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query signals: %w", err)
	}
	defer rows.Close()

	var out []domain.SignalMessage
	for rows.Next() {
		var (
			m       domain.SignalMessage
			payload string
			sent    int64
		)
		if err := rows.Scan(&m.Seq, &m.RoomID, &m.From, &m.To, &m.Kind, &payload, &sent); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &m.Payload); err != nil {
			return nil, fmt.Errorf("decode signal %d: %w", m.Seq, err)
		}
		m.SentAt = fromStamp(sent)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate signals: %w", err)
	}
	return out, nil
}

func (s *Store) SignalCursor(ctx context.Context, room domain.RoomID, receiver domain.UserID) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT last_seq FROM signal_cursors WHERE room_id = ? AND receiver = ?`),
		room, receiver,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query cursor: %w", err)
	}
	return seq, nil
}

// AdvanceSignalCursor never moves a cursor backwards.
func (s *Store) AdvanceSignalCursor(ctx context.Context, room domain.RoomID, receiver domain.UserID, seq int64) error {
	if _, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO signal_cursors (room_id, receiver, last_seq) VALUES (?, ?, ?)
			ON CONFLICT (room_id, receiver) DO UPDATE SET last_seq = excluded.last_seq
			WHERE signal_cursors.last_seq < excluded.last_seq`),
		room, receiver, seq,
	); err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return nil
}
