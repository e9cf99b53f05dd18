package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/andresmejia3/poise/internal/session"
)

// ErrSessionNotFound is returned when no session matches an id.
var ErrSessionNotFound = errors.New("session not found")

// Store manages the PostgreSQL connection for session reports.
type Store struct {
	conn *pgx.Conn
}

// SessionRecord is one stored practice session.
type SessionRecord struct {
	ID              string
	Label           string
	StartedAt       time.Time
	EndedAt         time.Time
	FinalState      string
	ErrorMessage    string
	Ticks           int64
	PoseDetections  int64
	FaceDetections  int64
	Fallbacks       int64
	Failures        int64
	PostureCounts   map[string]int
	EmotionCounts   map[string]int
	DominantPosture string
	DominantEmotion string
}

// Duration is the wall time between start and end.
func (r SessionRecord) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the sessions table if it doesn't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS practice_sessions (
			id UUID PRIMARY KEY,
			label TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NOT NULL,
			final_state TEXT NOT NULL,
			error_message TEXT NOT NULL DEFAULT '',
			ticks BIGINT NOT NULL DEFAULT 0,
			pose_detections BIGINT NOT NULL DEFAULT 0,
			face_detections BIGINT NOT NULL DEFAULT 0,
			fallbacks BIGINT NOT NULL DEFAULT 0,
			failures BIGINT NOT NULL DEFAULT 0,
			posture_counts JSONB NOT NULL DEFAULT '{}',
			emotion_counts JSONB NOT NULL DEFAULT '{}',
			dominant_posture TEXT NOT NULL DEFAULT '',
			dominant_emotion TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS practice_sessions_started_at_idx ON practice_sessions (started_at DESC);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// SaveSession upserts the aggregate report of a session. Saving the same
// session again overwrites its counts but keeps its label.
func (s *Store) SaveSession(ctx context.Context, sum session.Summary) error {
	_, err := s.conn.Exec(ctx, `
		INSERT INTO practice_sessions (
			id, started_at, ended_at, final_state, error_message,
			ticks, pose_detections, face_detections, fallbacks, failures,
			posture_counts, emotion_counts, dominant_posture, dominant_emotion
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			ended_at = EXCLUDED.ended_at,
			final_state = EXCLUDED.final_state,
			error_message = EXCLUDED.error_message,
			ticks = EXCLUDED.ticks,
			pose_detections = EXCLUDED.pose_detections,
			face_detections = EXCLUDED.face_detections,
			fallbacks = EXCLUDED.fallbacks,
			failures = EXCLUDED.failures,
			posture_counts = EXCLUDED.posture_counts,
			emotion_counts = EXCLUDED.emotion_counts,
			dominant_posture = EXCLUDED.dominant_posture,
			dominant_emotion = EXCLUDED.dominant_emotion
	`,
		sum.ID, sum.StartedAt, sum.EndedAt, sum.FinalState.String(), sum.ErrorMessage,
		int64(sum.Ticks), int64(sum.PoseDetections), int64(sum.FaceDetections), int64(sum.Fallbacks), int64(sum.Failures),
		nonNil(sum.PostureCounts), nonNil(sum.EmotionCounts), sum.DominantPosture, sum.DominantEmotion,
	)
	return err
}

// ListSessions returns the most recent sessions first. A limit <= 0 returns all.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	query := `
		SELECT id::text, label, started_at, ended_at, final_state, error_message,
			ticks, pose_detections, face_detections, fallbacks, failures,
			posture_counts, emotion_counts, dominant_posture, dominant_emotion
		FROM practice_sessions
		ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		var r SessionRecord
		if err := rows.Scan(
			&r.ID, &r.Label, &r.StartedAt, &r.EndedAt, &r.FinalState, &r.ErrorMessage,
			&r.Ticks, &r.PoseDetections, &r.FaceDetections, &r.Fallbacks, &r.Failures,
			&r.PostureCounts, &r.EmotionCounts, &r.DominantPosture, &r.DominantEmotion,
		); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// LabelSession names a stored session, e.g. after the candidate it belonged to.
func (s *Store) LabelSession(ctx context.Context, id, label string) error {
	tag, err := s.conn.Exec(ctx, "UPDATE practice_sessions SET label = $1 WHERE id::text = $2", label, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `DROP TABLE IF EXISTS practice_sessions CASCADE;`)
	return err
}

func nonNil(m map[string]int) map[string]int {
	if m == nil {
		return map[string]int{}
	}
	return m
}
