package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/PeerMatch/internal/core"
	"github.com/dkeye/PeerMatch/internal/domain"
)

func (s *Store) CreateRoom(ctx context.Context, room domain.Room) error {
	details, err := json.Marshal(room.Details)
	if err != nil {
		return fmt.Errorf("encode room details: %w", err)
	}
	created := s.stamp()
	if !room.CreatedAt.IsZero() {
		created = room.CreatedAt.UnixNano()
	}
	active := 0
	if room.Active {
		active = 1
	}
	if _, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO rooms (id, kind, participant1, participant2, details, active, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`),
		room.ID, room.Kind, room.Participants[0], room.Participants[1], string(details), active, created,
	); err != nil {
		return fmt.Errorf("insert room: %w", err)
	}
	return nil
}

func (s *Store) GetRoom(ctx context.Context, id domain.RoomID) (domain.Room, error) {
	var (
		room    domain.Room
		details string
		active  int
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT id, kind, participant1, participant2, details, active, created_at FROM rooms WHERE id = ?`),
		id,
	).Scan(&room.ID, &room.Kind, &room.Participants[0], &room.Participants[1], &details, &active, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Room{}, fmt.Errorf("%w: %s", core.ErrRoomNotFound, id)
	}
	if err != nil {
		return domain.Room{}, fmt.Errorf("query room: %w", err)
	}
	if err := json.Unmarshal([]byte(details), &room.Details); err != nil {
		return domain.Room{}, fmt.Errorf("decode room details: %w", err)
	}
	room.Active = active == 1
	room.CreatedAt = fromStamp(created)
	return room, nil
}

func (s *Store) DeactivateRoom(ctx context.Context, id domain.RoomID) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE rooms SET active = 0 WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("deactivate room: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", core.ErrRoomNotFound, id)
	}
	return nil
}

func (s *Store) PostMessage(ctx context.Context, msg domain.RoomMessage) (domain.RoomMessage, error) {
	stamp := s.stamp()
	var seq int64
	if err := s.db.QueryRowContext(ctx,
		s.q(`INSERT INTO room_messages (room_id, sender_id, sender_name, text, kind, created_at)
			VALUES (?, ?, ?, ?, ?, ?) RETURNING seq`),
		msg.RoomID, msg.SenderID, msg.SenderName, msg.Text, msg.Kind, stamp,
	).Scan(&seq); err != nil {
		return domain.RoomMessage{}, fmt.Errorf("insert message: %w", err)
	}
	msg.Seq = seq
	msg.CreatedAt = fromStamp(stamp)
	return msg, nil
}

func (s *Store) Messages(ctx context.Context, room domain.RoomID) ([]domain.RoomMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT seq, room_id, sender_id, sender_name, text, kind, created_at
			FROM room_messages WHERE room_id = ? ORDER BY seq ASC`),
		room,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []domain.RoomMessage
	for rows.Next() {
		var (
			m       domain.RoomMessage
			created int64
		)
		if err := rows.Scan(&m.Seq, &m.RoomID, &m.SenderID, &m.SenderName, &m.Text, &m.Kind, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = fromStamp(created)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}
