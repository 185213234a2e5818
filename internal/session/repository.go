package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repository archives sessions. Non-terminal rows let the coordinator
// recover its schedule after a restart.
type Repository interface {
	// Save inserts or updates a session. An update never replaces a row
	// with a higher Version.
	Save(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	// List returns sessions matching f ordered by start; limit <= 0 means all.
	List(ctx context.Context, f Filter, limit int) ([]Session, error)
}

// timeFormat is fixed-width so stored timestamps sort as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

const sessionColumns = `id, user_id, pipeline_id, start_at, end_at, state, reason, setup_error,
			version, created_at, updated_at, activated_at, completed_at, services`

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Save upserts the session.
func (r *SQLiteRepository) Save(ctx context.Context, s *Session) error {
	query := `
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			reason = excluded.reason,
			setup_error = excluded.setup_error,
			version = excluded.version,
			updated_at = excluded.updated_at,
			activated_at = excluded.activated_at,
			completed_at = excluded.completed_at
		WHERE excluded.version > sessions.version`

	var services any
	if len(s.Services) > 0 {
		encoded, err := json.Marshal(s.Services)
		if err != nil {
			return fmt.Errorf("encoding services of session %s: %w", s.ID, err)
		}
		services = string(encoded)
	}

	_, err := r.db.ExecContext(ctx, query,
		s.ID, s.UserID, s.PipelineID,
		formatTime(s.Interval.Start), formatTime(s.Interval.End),
		string(s.State), nullString(s.Reason), nullString(s.SetupError),
		s.Version, formatTime(s.CreatedAt), formatTime(s.UpdatedAt),
		formatTimePtr(s.ActivatedAt), formatTimePtr(s.CompletedAt),
		services,
	)
	if err != nil {
		return fmt.Errorf("saving session %s: %w", s.ID, err)
	}
	return nil
}

// Get retrieves a session by ID.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return s, nil
}

// List retrieves sessions matching f.
func (r *SQLiteRepository) List(ctx context.Context, f Filter, limit int) ([]Session, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.PipelineID != "" {
		where = append(where, "pipeline_id = ?")
		args = append(args, f.PipelineID)
	}
	if len(f.States) > 0 {
		where = append(where, "state IN (?"+strings.Repeat(", ?", len(f.States)-1)+")")
		for _, st := range f.States {
			args = append(args, string(st))
		}
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY start_at, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var (
		s                            Session
		state                        string
		reason, setupErr             sql.NullString
		start, end, created, updated string
		activated, completed         sql.NullString
		services                     sql.NullString
	)
	if err := row.Scan(
		&s.ID, &s.UserID, &s.PipelineID, &start, &end, &state, &reason, &setupErr,
		&s.Version, &created, &updated, &activated, &completed, &services,
	); err != nil {
		return nil, err
	}
	if services.Valid {
		if err := json.Unmarshal([]byte(services.String), &s.Services); err != nil {
			return nil, fmt.Errorf("decoding services of session %s: %w", s.ID, err)
		}
	}

	s.State = State(state)
	s.Reason = reason.String
	s.SetupError = setupErr.String

	var err error
	if s.Interval.Start, err = parseTime(start); err != nil {
		return nil, err
	}
	if s.Interval.End, err = parseTime(end); err != nil {
		return nil, err
	}
	if s.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if s.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if s.ActivatedAt, err = parseTimePtr(activated); err != nil {
		return nil, err
	}
	if s.CompletedAt, err = parseTimePtr(completed); err != nil {
		return nil, err
	}
	return &s, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil //nolint:nilnil // NULL column
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
