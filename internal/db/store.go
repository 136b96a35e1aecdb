package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/comhuhuan/agentize/internal/model"
)

var (
	ErrDuplicate = errors.New("duplicate")
	ErrNotFound  = errors.New("not found")
)

// Store is the sqlite-backed session store. A single connection keeps
// mutators mutually exclusive; every mutator is committed before it
// returns.
type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	if err := ApplyMigrations(ctx, db); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) CreateSession(ctx context.Context, session model.Session) (model.Session, error) {
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = now
	}
	if session.Status == "" {
		session.Status = model.StatusIdle
	}
	if session.Phase == "" {
		session.Phase = model.PhaseIdle
	}
	if session.ImplStatus == "" {
		session.ImplStatus = model.StatusIdle
	}
	if session.IssueState == "" {
		session.IssueState = model.IssueUnknown
	}
	if session.ActionMode == "" {
		session.ActionMode = model.ModeDefault
	}
	rerunJSON, err := marshalRerun(session.Rerun)
	if err != nil {
		return model.Session{}, err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO sessions(session_id, prompt, status, phase, impl_status, issue_number, issue_state, plan_path, pr_url, action_mode, run_pid, collapsed, rerun_json, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, session.SessionID, session.Prompt, string(session.Status), string(session.Phase), string(session.ImplStatus),
		session.IssueNumber, string(session.IssueState), session.PlanPath, session.PRURL, string(session.ActionMode),
		session.RunPID, boolToInt(session.Collapsed), rerunJSON, ts(session.CreatedAt), ts(session.UpdatedAt))
	if err != nil {
		if isUniqueErr(err) {
			return model.Session{}, ErrDuplicate
		}
		return model.Session{}, fmt.Errorf("insert session: %w", err)
	}
	return s.GetSession(ctx, session.SessionID)
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (model.Session, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT session_id, prompt, status, phase, impl_status, issue_number, issue_state, plan_path, pr_url, action_mode, run_pid, collapsed, rerun_json, created_at, updated_at
FROM sessions WHERE session_id = ?
`, sessionID)
	session, err := scanSession(row)
	if err != nil {
		return model.Session{}, err
	}
	session.RefineRuns, err = s.listRefineRuns(ctx, sessionID)
	if err != nil {
		return model.Session{}, err
	}
	session.Widgets, err = s.listWidgets(ctx, sessionID)
	if err != nil {
		return model.Session{}, err
	}
	return session, nil
}

func (s *Store) ListSessions(ctx context.Context) ([]model.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT session_id, prompt, status, phase, impl_status, issue_number, issue_state, plan_path, pr_url, action_mode, run_pid, collapsed, rerun_json, created_at, updated_at
FROM sessions ORDER BY created_at ASC, session_id ASC
`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []model.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	for i := range out {
		out[i].RefineRuns, err = s.listRefineRuns(ctx, out[i].SessionID)
		if err != nil {
			return nil, err
		}
		out[i].Widgets, err = s.listWidgets(ctx, out[i].SessionID)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// UpdateSession applies a partial update. Nil patch fields leave the
// stored value untouched.
func (s *Store) UpdateSession(ctx context.Context, sessionID string, patch model.SessionPatch) (model.Session, error) {
	sets := make([]string, 0, 10)
	args := make([]any, 0, 11)
	add := func(column string, value any) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}
	if patch.Prompt != nil {
		add("prompt", *patch.Prompt)
	}
	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.Phase != nil {
		add("phase", string(*patch.Phase))
	}
	if patch.ImplStatus != nil {
		add("impl_status", string(*patch.ImplStatus))
	}
	if patch.IssueNumber != nil {
		add("issue_number", *patch.IssueNumber)
	}
	if patch.IssueState != nil {
		add("issue_state", string(*patch.IssueState))
	}
	if patch.PlanPath != nil {
		add("plan_path", *patch.PlanPath)
	}
	if patch.PRURL != nil {
		add("pr_url", *patch.PRURL)
	}
	if patch.ActionMode != nil {
		add("action_mode", string(*patch.ActionMode))
	}
	if patch.RunPID != nil {
		add("run_pid", *patch.RunPID)
	}
	if patch.SetRerun != nil && patch.ClearRerun {
		return model.Session{}, fmt.Errorf("patch sets and clears rerun")
	}
	if patch.SetRerun != nil {
		rerunJSON, err := marshalRerun(patch.SetRerun)
		if err != nil {
			return model.Session{}, err
		}
		add("rerun_json", rerunJSON)
	}
	if patch.ClearRerun {
		add("rerun_json", nil)
	}
	if len(sets) == 0 {
		return s.GetSession(ctx, sessionID)
	}
	add("updated_at", ts(time.Now().UTC()))
	args = append(args, sessionID)

	query := "UPDATE sessions SET "
	for i, set := range sets {
		if i > 0 {
			query += ", "
		}
		query += set
	}
	query += " WHERE session_id = ?"

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return model.Session{}, fmt.Errorf("update session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return model.Session{}, ErrNotFound
	}
	return s.GetSession(ctx, sessionID)
}

func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ToggleSessionCollapse flips the session's collapsed flag.
func (s *Store) ToggleSessionCollapse(ctx context.Context, sessionID string) (model.Session, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE sessions SET collapsed = 1 - collapsed, updated_at = ? WHERE session_id = ?
`, ts(time.Now().UTC()), sessionID)
	if err != nil {
		return model.Session{}, fmt.Errorf("toggle session collapse: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return model.Session{}, ErrNotFound
	}
	return s.GetSession(ctx, sessionID)
}

// PurgeSessions deletes settled sessions last updated before the cutoff.
// Sessions with any running status are never purged. Returns the number
// of sessions removed.
func (s *Store) PurgeSessions(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM sessions
WHERE updated_at < ?
  AND status != 'running'
  AND impl_status != 'running'
  AND session_id NOT IN (SELECT session_id FROM refine_runs WHERE status = 'running')
`, ts(before.UTC()))
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge sessions rows: %w", err)
	}
	return int(n), nil
}

func (s *Store) AddRefineRun(ctx context.Context, run model.RefineRun) (model.Session, error) {
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = now
	}
	if run.Status == "" {
		run.Status = model.StatusRunning
	}
	logsJSON, err := marshalLines(run.Logs)
	if err != nil {
		return model.Session{}, err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO refine_runs(run_id, session_id, focus, status, logs, collapsed, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`, run.RunID, run.SessionID, run.Focus, string(run.Status), logsJSON, boolToInt(run.Collapsed), ts(run.CreatedAt), ts(run.UpdatedAt))
	if err != nil {
		if isUniqueErr(err) {
			return model.Session{}, ErrDuplicate
		}
		if isForeignKeyErr(err) {
			return model.Session{}, ErrNotFound
		}
		return model.Session{}, fmt.Errorf("insert refine run: %w", err)
	}
	return s.touchSession(ctx, run.SessionID)
}

func (s *Store) UpdateRefineRunStatus(ctx context.Context, sessionID, runID string, status model.RunStatus) (model.Session, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE refine_runs SET status = ?, updated_at = ? WHERE run_id = ? AND session_id = ?
`, string(status), ts(time.Now().UTC()), runID, sessionID)
	if err != nil {
		return model.Session{}, fmt.Errorf("update refine run status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return model.Session{}, ErrNotFound
	}
	return s.touchSession(ctx, sessionID)
}

// AppendRefineRunLogs appends lines to a refine run's log inside one
// transaction so concurrent appends cannot drop each other.
func (s *Store) AppendRefineRunLogs(ctx context.Context, sessionID, runID string, lines []string) (model.Session, error) {
	if len(lines) == 0 {
		return s.GetSession(ctx, sessionID)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Session{}, fmt.Errorf("begin append logs: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var logsJSON string
	err = tx.QueryRowContext(ctx, `
SELECT logs FROM refine_runs WHERE run_id = ? AND session_id = ?
`, runID, sessionID).Scan(&logsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, ErrNotFound
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("read refine run logs: %w", err)
	}
	logs, err := unmarshalLines(logsJSON)
	if err != nil {
		return model.Session{}, err
	}
	logs = append(logs, lines...)
	merged, err := marshalLines(logs)
	if err != nil {
		return model.Session{}, err
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE refine_runs SET logs = ?, updated_at = ? WHERE run_id = ? AND session_id = ?
`, merged, ts(time.Now().UTC()), runID, sessionID); err != nil {
		return model.Session{}, fmt.Errorf("append refine run logs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Session{}, fmt.Errorf("commit append logs: %w", err)
	}
	return s.touchSession(ctx, sessionID)
}

// AddWidget appends a widget to the session timeline at the next free
// sequence slot.
func (s *Store) AddWidget(ctx context.Context, widget model.Widget) (model.Session, error) {
	now := time.Now().UTC()
	if widget.CreatedAt.IsZero() {
		widget.CreatedAt = now
	}
	if widget.UpdatedAt.IsZero() {
		widget.UpdatedAt = now
	}
	linesJSON, err := marshalLines(widget.Lines)
	if err != nil {
		return model.Session{}, err
	}
	metaJSON, err := marshalMeta(widget.Meta)
	if err != nil {
		return model.Session{}, err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO widgets(widget_id, session_id, seq, type, title, lines, meta, created_at, updated_at)
SELECT ?, ?, COALESCE((SELECT MAX(seq) + 1 FROM widgets WHERE session_id = ?), 0), ?, ?, ?, ?, ?, ?
`, widget.WidgetID, widget.SessionID, widget.SessionID, string(widget.Type), widget.Title, linesJSON, metaJSON, ts(widget.CreatedAt), ts(widget.UpdatedAt))
	if err != nil {
		if isUniqueErr(err) {
			return model.Session{}, ErrDuplicate
		}
		if isForeignKeyErr(err) {
			return model.Session{}, ErrNotFound
		}
		return model.Session{}, fmt.Errorf("insert widget: %w", err)
	}
	return s.touchSession(ctx, widget.SessionID)
}

func (s *Store) UpdateWidgetMetadata(ctx context.Context, sessionID, widgetID string, meta model.WidgetMeta) (model.Session, error) {
	metaJSON, err := marshalMeta(meta)
	if err != nil {
		return model.Session{}, err
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE widgets SET meta = ?, updated_at = ? WHERE widget_id = ? AND session_id = ?
`, metaJSON, ts(time.Now().UTC()), widgetID, sessionID)
	if err != nil {
		return model.Session{}, fmt.Errorf("update widget metadata: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return model.Session{}, ErrNotFound
	}
	return s.touchSession(ctx, sessionID)
}

// AppendWidgetLines appends content lines to a widget inside one
// transaction.
func (s *Store) AppendWidgetLines(ctx context.Context, sessionID, widgetID string, lines []string) (model.Session, error) {
	if len(lines) == 0 {
		return s.GetSession(ctx, sessionID)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Session{}, fmt.Errorf("begin append lines: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var linesJSON string
	err = tx.QueryRowContext(ctx, `
SELECT lines FROM widgets WHERE widget_id = ? AND session_id = ?
`, widgetID, sessionID).Scan(&linesJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, ErrNotFound
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("read widget lines: %w", err)
	}
	existing, err := unmarshalLines(linesJSON)
	if err != nil {
		return model.Session{}, err
	}
	existing = append(existing, lines...)
	merged, err := marshalLines(existing)
	if err != nil {
		return model.Session{}, err
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE widgets SET lines = ?, updated_at = ? WHERE widget_id = ? AND session_id = ?
`, merged, ts(time.Now().UTC()), widgetID, sessionID); err != nil {
		return model.Session{}, fmt.Errorf("append widget lines: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Session{}, fmt.Errorf("commit append lines: %w", err)
	}
	return s.touchSession(ctx, sessionID)
}

func (s *Store) touchSession(ctx context.Context, sessionID string) (model.Session, error) {
	if _, err := s.db.ExecContext(ctx, `
UPDATE sessions SET updated_at = ? WHERE session_id = ?
`, ts(time.Now().UTC()), sessionID); err != nil {
		return model.Session{}, fmt.Errorf("touch session: %w", err)
	}
	return s.GetSession(ctx, sessionID)
}

func (s *Store) listRefineRuns(ctx context.Context, sessionID string) ([]model.RefineRun, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT run_id, session_id, focus, status, logs, collapsed, created_at, updated_at
FROM refine_runs WHERE session_id = ? ORDER BY created_at ASC, run_id ASC
`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list refine runs: %w", err)
	}
	defer rows.Close()

	var out []model.RefineRun
	for rows.Next() {
		run, err := scanRefineRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate refine runs: %w", err)
	}
	return out, nil
}

func (s *Store) listWidgets(ctx context.Context, sessionID string) ([]model.Widget, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT widget_id, session_id, type, title, lines, meta, created_at, updated_at
FROM widgets WHERE session_id = ? ORDER BY seq ASC
`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list widgets: %w", err)
	}
	defer rows.Close()

	var out []model.Widget
	for rows.Next() {
		widget, err := scanWidget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, widget)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate widgets: %w", err)
	}
	return out, nil
}

func scanSession(scanner interface{ Scan(dest ...any) error }) (model.Session, error) {
	var (
		out        model.Session
		status     string
		phase      string
		implStatus string
		issueState string
		actionMode string
		collapsed  int
		rerunJSON  sql.NullString
		createdAt  string
		updatedAt  string
	)
	if err := scanner.Scan(&out.SessionID, &out.Prompt, &status, &phase, &implStatus,
		&out.IssueNumber, &issueState, &out.PlanPath, &out.PRURL, &actionMode,
		&out.RunPID, &collapsed, &rerunJSON, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Session{}, ErrNotFound
		}
		return model.Session{}, fmt.Errorf("scan session: %w", err)
	}
	out.Status = model.RunStatus(status)
	out.Phase = model.Phase(phase)
	out.ImplStatus = model.RunStatus(implStatus)
	out.IssueState = model.IssueState(issueState)
	out.ActionMode = model.ActionMode(actionMode)
	out.Collapsed = collapsed != 0
	if rerunJSON.Valid && rerunJSON.String != "" {
		var rerun model.Rerun
		if err := json.Unmarshal([]byte(rerunJSON.String), &rerun); err != nil {
			return model.Session{}, fmt.Errorf("decode rerun: %w", err)
		}
		out.Rerun = &rerun
	}
	var err error
	if out.CreatedAt, err = parseTS(createdAt); err != nil {
		return model.Session{}, fmt.Errorf("parse session created_at: %w", err)
	}
	if out.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return model.Session{}, fmt.Errorf("parse session updated_at: %w", err)
	}
	return out, nil
}

func scanRefineRun(scanner interface{ Scan(dest ...any) error }) (model.RefineRun, error) {
	var (
		out       model.RefineRun
		status    string
		logsJSON  string
		collapsed int
		createdAt string
		updatedAt string
	)
	if err := scanner.Scan(&out.RunID, &out.SessionID, &out.Focus, &status, &logsJSON, &collapsed, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.RefineRun{}, ErrNotFound
		}
		return model.RefineRun{}, fmt.Errorf("scan refine run: %w", err)
	}
	out.Status = model.RunStatus(status)
	out.Collapsed = collapsed != 0
	var err error
	if out.Logs, err = unmarshalLines(logsJSON); err != nil {
		return model.RefineRun{}, err
	}
	if out.CreatedAt, err = parseTS(createdAt); err != nil {
		return model.RefineRun{}, fmt.Errorf("parse refine run created_at: %w", err)
	}
	if out.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return model.RefineRun{}, fmt.Errorf("parse refine run updated_at: %w", err)
	}
	return out, nil
}

func scanWidget(scanner interface{ Scan(dest ...any) error }) (model.Widget, error) {
	var (
		out       model.Widget
		widgetTyp string
		linesJSON string
		metaJSON  string
		createdAt string
		updatedAt string
	)
	if err := scanner.Scan(&out.WidgetID, &out.SessionID, &widgetTyp, &out.Title, &linesJSON, &metaJSON, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Widget{}, ErrNotFound
		}
		return model.Widget{}, fmt.Errorf("scan widget: %w", err)
	}
	out.Type = model.WidgetType(widgetTyp)
	var err error
	if out.Lines, err = unmarshalLines(linesJSON); err != nil {
		return model.Widget{}, err
	}
	if metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &out.Meta); err != nil {
			return model.Widget{}, fmt.Errorf("decode widget meta: %w", err)
		}
	}
	if out.CreatedAt, err = parseTS(createdAt); err != nil {
		return model.Widget{}, fmt.Errorf("parse widget created_at: %w", err)
	}
	if out.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return model.Widget{}, fmt.Errorf("parse widget updated_at: %w", err)
	}
	return out, nil
}

func marshalRerun(rerun *model.Rerun) (any, error) {
	if rerun == nil {
		return nil, nil
	}
	raw, err := json.Marshal(rerun)
	if err != nil {
		return nil, fmt.Errorf("encode rerun: %w", err)
	}
	return string(raw), nil
}

func marshalLines(lines []string) (string, error) {
	if lines == nil {
		lines = []string{}
	}
	raw, err := json.Marshal(lines)
	if err != nil {
		return "", fmt.Errorf("encode lines: %w", err)
	}
	return string(raw), nil
}

func unmarshalLines(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var lines []string
	if err := json.Unmarshal([]byte(raw), &lines); err != nil {
		return nil, fmt.Errorf("decode lines: %w", err)
	}
	return lines, nil
}

func marshalMeta(meta model.WidgetMeta) (string, error) {
	raw, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("encode widget meta: %w", err)
	}
	return string(raw), nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func isUniqueErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}

func isForeignKeyErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
