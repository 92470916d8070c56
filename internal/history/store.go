package history

import (
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" driver

	"github.com/casafone/voicegate/internal/monitor"
	"github.com/casafone/voicegate/internal/pipeline"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// maxSessions bounds the retained monitoring window; older sessions are
// pruned on insert.
const maxSessions = 200

// Session is the persisted view of one voice session.
type Session struct {
	ID        string     `json:"id"`
	TenantID  string     `json:"tenant_id"`
	Metadata  string     `json:"metadata"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	RunCount  int        `json:"run_count,omitempty"`
}

// Store persists sessions, pipeline runs, and alerts to PostgreSQL for the
// dashboard collaborator.
type Store struct {
	db *sql.DB
}

// Open connects to the history database at connStr and runs migrations.
func Open(connStr string) (*Store, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("history open: %w", err)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("history ping: %w", err)
	}
	if err = migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("history migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`)
	if err != nil {
		return err
	}

	var current int
	row := db.QueryRow(`SELECT COALESCE(MAX(version), -1) FROM schema_version`)
	if err = row.Scan(&current); err != nil {
		return err
	}

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	for i := current + 1; i < len(entries); i++ {
		data, readErr := migrationFS.ReadFile("migrations/" + entries[i].Name())
		if readErr != nil {
			return fmt.Errorf("read migration %d: %w", i, readErr)
		}
		if _, execErr := db.Exec(string(data)); execErr != nil {
			return fmt.Errorf("migration %d: %w", i, execErr)
		}
		if _, execErr := db.Exec(`INSERT INTO schema_version (version) VALUES ($1)`, i); execErr != nil {
			return fmt.Errorf("migration %d record: %w", i, execErr)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSession inserts a new session and prunes old ones.
func (s *Store) CreateSession(id, tenantID, metadata string) error {
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, tenant_id, metadata, started_at) VALUES ($1, $2, $3, $4)`,
		id, tenantID, metadata, time.Now().UTC(),
	)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`DELETE FROM sessions WHERE id NOT IN (SELECT id FROM sessions ORDER BY started_at DESC LIMIT $1)`,
		maxSessions,
	)
	return err
}

// EndSession sets the ended_at timestamp.
func (s *Store) EndSession(id string) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET ended_at = $1 WHERE id = $2`,
		time.Now().UTC(), id,
	)
	return err
}

// InsertRun persists a finished pipeline run.
func (s *Store) InsertRun(run pipeline.Run) error {
	_, err := s.db.Exec(
		`INSERT INTO runs (id, session_id, tenant_id, seq, started_at, total_ms, state)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, run.SessionID, run.TenantID, int64(run.Seq),
		run.StartedAt.UTC(), run.TotalMs, string(run.State),
	)
	return err
}

// InsertAlert persists an alert event.
func (s *Store) InsertAlert(ev monitor.AlertEvent) error {
	_, err := s.db.Exec(
		`INSERT INTO alerts (id, category, severity, session_id, tenant_id, value, threshold, raised_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.ID, string(ev.Category), string(ev.Severity),
		ev.SessionID, ev.TenantID, ev.Value, ev.Threshold, ev.At.UTC(),
	)
	return err
}

// ListSessions returns sessions newest first with run counts.
func (s *Store) ListSessions(limit, offset int) ([]Session, int, error) {
	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.Query(`
		SELECT s.id, s.tenant_id, s.metadata, s.started_at, s.ended_at, COUNT(r.id) as run_count
		FROM sessions s
		LEFT JOIN runs r ON r.session_id = s.id
		GROUP BY s.id
		ORDER BY s.started_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var endedAt sql.NullTime
		if err = rows.Scan(&sess.ID, &sess.TenantID, &sess.Metadata, &sess.StartedAt, &endedAt, &sess.RunCount); err != nil {
			return nil, 0, err
		}
		if endedAt.Valid {
			sess.EndedAt = &endedAt.Time
		}
		sessions = append(sessions, sess)
	}
	return sessions, total, rows.Err()
}

// ListAlerts returns recent alerts, newest first, optionally for one tenant.
func (s *Store) ListAlerts(tenantID string, limit int) ([]monitor.AlertEvent, error) {
	query := `SELECT id, category, severity, session_id, tenant_id, value, threshold, raised_at
	          FROM alerts`
	args := []any{}
	if tenantID != "" {
		query += ` WHERE tenant_id = $1 ORDER BY raised_at DESC LIMIT $2`
		args = append(args, tenantID, limit)
	} else {
		query += ` ORDER BY raised_at DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []monitor.AlertEvent
	for rows.Next() {
		var ev monitor.AlertEvent
		var cat, sev string
		if err = rows.Scan(&ev.ID, &cat, &sev, &ev.SessionID, &ev.TenantID, &ev.Value, &ev.Threshold, &ev.At); err != nil {
			return nil, err
		}
		ev.Category = monitor.Category(cat)
		ev.Severity = monitor.Severity(sev)
		alerts = append(alerts, ev)
	}
	return alerts, rows.Err()
}
