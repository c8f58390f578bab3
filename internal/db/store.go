// Package db persists templates, macros, device profiles, jobs, and settings
// in a single sqlite database.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MarkusPolo/consoled/internal/model"
)

var (
	ErrDuplicate = errors.New("duplicate")
	ErrNotFound  = errors.New("not found")
)

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

// --- settings ---

func (s *Store) PutSetting(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal setting %s: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO settings(key, value, updated_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at
`, key, string(raw), ts(time.Now()))
	if err != nil {
		return fmt.Errorf("put setting %s: %w", key, err)
	}
	return nil
}

func (s *Store) GetSetting(ctx context.Context, key string) (model.Setting, error) {
	var (
		raw       string
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `SELECT value, updated_at FROM settings WHERE key = ?`, key).Scan(&raw, &updatedAt)
	if err == sql.ErrNoRows {
		return model.Setting{}, ErrNotFound
	}
	if err != nil {
		return model.Setting{}, fmt.Errorf("get setting %s: %w", key, err)
	}
	t, err := parseTS(updatedAt)
	if err != nil {
		return model.Setting{}, fmt.Errorf("parse setting updated_at: %w", err)
	}
	return model.Setting{Key: key, Value: json.RawMessage(raw), UpdatedAt: t}, nil
}

func (s *Store) ListSettings(ctx context.Context) ([]model.Setting, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value, updated_at FROM settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer rows.Close()
	var out []model.Setting
	for rows.Next() {
		var (
			st        model.Setting
			raw       string
			updatedAt string
		)
		if err := rows.Scan(&st.Key, &raw, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		st.Value = json.RawMessage(raw)
		if st.UpdatedAt, err = parseTS(updatedAt); err != nil {
			return nil, fmt.Errorf("parse setting updated_at: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// PortBaudRates loads the per-port baud override map; an absent setting is an
// empty map, not an error.
func (s *Store) PortBaudRates(ctx context.Context) (map[int]int, error) {
	st, err := s.GetSetting(ctx, model.SettingPortBaudRates)
	if errors.Is(err, ErrNotFound) {
		return map[int]int{}, nil
	}
	if err != nil {
		return nil, err
	}
	var raw map[string]int
	if err := json.Unmarshal(st.Value, &raw); err != nil {
		return nil, fmt.Errorf("decode %s: %w", model.SettingPortBaudRates, err)
	}
	out := make(map[int]int, len(raw))
	for k, v := range raw {
		id, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil {
			continue
		}
		out[id] = v
	}
	return out, nil
}

// --- device profiles ---

func (s *Store) CreateProfile(ctx context.Context, p model.DeviceProfile) (int64, error) {
	patterns, err := marshalJSON(p.PromptPatterns)
	if err != nil {
		return 0, err
	}
	commands, err := marshalJSON(p.Commands)
	if err != nil {
		return 0, err
	}
	markers, err := marshalJSON(p.ErrorMarkers)
	if err != nil {
		return 0, err
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO device_profiles(name, vendor, description, prompt_patterns, commands, error_markers, detection_command, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`, p.Name, p.Vendor, p.Description, patterns, commands, markers, p.DetectionCommand, ts(p.CreatedAt))
	if err != nil {
		if isUniqueErr(err) {
			return 0, ErrDuplicate
		}
		return 0, fmt.Errorf("insert profile: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) GetProfile(ctx context.Context, id int64) (model.DeviceProfile, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT profile_id, name, vendor, description, prompt_patterns, commands, error_markers, detection_command, created_at
FROM device_profiles WHERE profile_id = ?`, id)
	return scanProfile(row)
}

func (s *Store) ListProfiles(ctx context.Context) ([]model.DeviceProfile, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT profile_id, name, vendor, description, prompt_patterns, commands, error_markers, detection_command, created_at
FROM device_profiles ORDER BY profile_id`)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()
	var out []model.DeviceProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) DeleteProfile(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM device_profiles WHERE profile_id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	return requireAffected(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (model.DeviceProfile, error) {
	var (
		p         model.DeviceProfile
		patterns  string
		commands  string
		markers   string
		createdAt string
	)
	err := row.Scan(&p.ID, &p.Name, &p.Vendor, &p.Description, &patterns, &commands, &markers, &p.DetectionCommand, &createdAt)
	if err == sql.ErrNoRows {
		return model.DeviceProfile{}, ErrNotFound
	}
	if err != nil {
		return model.DeviceProfile{}, fmt.Errorf("scan profile: %w", err)
	}
	if err := json.Unmarshal([]byte(patterns), &p.PromptPatterns); err != nil {
		return model.DeviceProfile{}, fmt.Errorf("decode prompt_patterns: %w", err)
	}
	if err := json.Unmarshal([]byte(commands), &p.Commands); err != nil {
		return model.DeviceProfile{}, fmt.Errorf("decode commands: %w", err)
	}
	if err := json.Unmarshal([]byte(markers), &p.ErrorMarkers); err != nil {
		return model.DeviceProfile{}, fmt.Errorf("decode error_markers: %w", err)
	}
	if p.CreatedAt, err = parseTS(createdAt); err != nil {
		return model.DeviceProfile{}, fmt.Errorf("parse profile created_at: %w", err)
	}
	return p, nil
}

// --- templates ---

func (s *Store) CreateTemplate(ctx context.Context, t model.Template) (int64, error) {
	steps, err := marshalJSON(t.Steps)
	if err != nil {
		return 0, err
	}
	schema, err := marshalJSON(t.ConfigSchema)
	if err != nil {
		return 0, err
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO templates(name, body, steps, config_schema, is_baseline, profile_id, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, t.Name, t.Body, steps, schema, boolToInt(t.IsBaseline), nullableI64(t.ProfileID), ts(t.CreatedAt))
	if err != nil {
		if isUniqueErr(err) {
			return 0, ErrDuplicate
		}
		return 0, fmt.Errorf("insert template: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) UpdateTemplate(ctx context.Context, t model.Template) error {
	steps, err := marshalJSON(t.Steps)
	if err != nil {
		return err
	}
	schema, err := marshalJSON(t.ConfigSchema)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE templates SET name=?, body=?, steps=?, config_schema=?, is_baseline=?, profile_id=?
WHERE template_id=?
`, t.Name, t.Body, steps, schema, boolToInt(t.IsBaseline), nullableI64(t.ProfileID), t.ID)
	if err != nil {
		if isUniqueErr(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("update template: %w", err)
	}
	return requireAffected(res)
}

func (s *Store) GetTemplate(ctx context.Context, id int64) (model.Template, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT template_id, name, body, steps, config_schema, is_baseline, profile_id, created_at
FROM templates WHERE template_id = ?`, id)
	return scanTemplate(row)
}

func (s *Store) ListTemplates(ctx context.Context) ([]model.Template, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT template_id, name, body, steps, config_schema, is_baseline, profile_id, created_at
FROM templates ORDER BY template_id`)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()
	var out []model.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) DeleteTemplate(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM templates WHERE template_id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	return requireAffected(res)
}

func scanTemplate(row rowScanner) (model.Template, error) {
	var (
		t          model.Template
		steps      string
		schema     string
		isBaseline int
		profileID  sql.NullInt64
		createdAt  string
	)
	err := row.Scan(&t.ID, &t.Name, &t.Body, &steps, &schema, &isBaseline, &profileID, &createdAt)
	if err == sql.ErrNoRows {
		return model.Template{}, ErrNotFound
	}
	if err != nil {
		return model.Template{}, fmt.Errorf("scan template: %w", err)
	}
	if t.Steps, err = model.ParseSteps([]byte(steps)); err != nil {
		return model.Template{}, err
	}
	if err := json.Unmarshal([]byte(schema), &t.ConfigSchema); err != nil {
		return model.Template{}, fmt.Errorf("decode config_schema: %w", err)
	}
	t.IsBaseline = isBaseline != 0
	if profileID.Valid {
		t.ProfileID = &profileID.Int64
	}
	if t.CreatedAt, err = parseTS(createdAt); err != nil {
		return model.Template{}, fmt.Errorf("parse template created_at: %w", err)
	}
	return t, nil
}

// --- macros ---

func (s *Store) CreateMacro(ctx context.Context, m model.Macro) (int64, error) {
	steps, err := marshalJSON(m.Steps)
	if err != nil {
		return 0, err
	}
	schema, err := marshalJSON(m.ConfigSchema)
	if err != nil {
		return 0, err
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO macros(name, description, steps, config_schema, created_at)
VALUES (?, ?, ?, ?, ?)
`, m.Name, m.Description, steps, schema, ts(m.CreatedAt))
	if err != nil {
		if isUniqueErr(err) {
			return 0, ErrDuplicate
		}
		return 0, fmt.Errorf("insert macro: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) UpdateMacro(ctx context.Context, m model.Macro) error {
	steps, err := marshalJSON(m.Steps)
	if err != nil {
		return err
	}
	schema, err := marshalJSON(m.ConfigSchema)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE macros SET name=?, description=?, steps=?, config_schema=? WHERE macro_id=?
`, m.Name, m.Description, steps, schema, m.ID)
	if err != nil {
		if isUniqueErr(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("update macro: %w", err)
	}
	return requireAffected(res)
}

func (s *Store) GetMacro(ctx context.Context, id int64) (model.Macro, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT macro_id, name, description, steps, config_schema, created_at
FROM macros WHERE macro_id = ?`, id)
	return scanMacro(row)
}

func (s *Store) ListMacros(ctx context.Context) ([]model.Macro, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT macro_id, name, description, steps, config_schema, created_at
FROM macros ORDER BY macro_id`)
	if err != nil {
		return nil, fmt.Errorf("list macros: %w", err)
	}
	defer rows.Close()
	var out []model.Macro
	for rows.Next() {
		m, err := scanMacro(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) DeleteMacro(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM macros WHERE macro_id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete macro: %w", err)
	}
	return requireAffected(res)
}

func scanMacro(row rowScanner) (model.Macro, error) {
	var (
		m         model.Macro
		steps     string
		schema    string
		createdAt string
	)
	err := row.Scan(&m.ID, &m.Name, &m.Description, &steps, &schema, &createdAt)
	if err == sql.ErrNoRows {
		return model.Macro{}, ErrNotFound
	}
	if err != nil {
		return model.Macro{}, fmt.Errorf("scan macro: %w", err)
	}
	if err := json.Unmarshal([]byte(steps), &m.Steps); err != nil {
		return model.Macro{}, fmt.Errorf("decode macro steps: %w", err)
	}
	if err := json.Unmarshal([]byte(schema), &m.ConfigSchema); err != nil {
		return model.Macro{}, fmt.Errorf("decode macro config_schema: %w", err)
	}
	if m.CreatedAt, err = parseTS(createdAt); err != nil {
		return model.Macro{}, fmt.Errorf("parse macro created_at: %w", err)
	}
	return m, nil
}

// --- jobs ---

// CreateJob inserts the job and all its targets in one transaction, so a job
// is never visible half-created.
func (s *Store) CreateJob(ctx context.Context, job model.Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin job tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO jobs(job_id, template_id, macro_id, status, created_at)
VALUES (?, ?, ?, ?, ?)
`, job.ID, nullableI64(job.TemplateID), nullableI64(job.MacroID), string(job.Status), ts(job.CreatedAt)); err != nil {
		tx.Rollback() //nolint:errcheck
		if isUniqueErr(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert job: %w", err)
	}
	for _, t := range job.Targets {
		vars, err := marshalJSON(t.Variables)
		if err != nil {
			tx.Rollback() //nolint:errcheck
			return err
		}
		checks, err := marshalJSON(t.VerificationResults)
		if err != nil {
			tx.Rollback() //nolint:errcheck
			return err
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO job_targets(target_id, job_id, port, variables, status, log, verification_results, failure_category, remediation, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, t.ID, job.ID, t.Port, vars, string(t.Status), t.Log, checks, nullIfEmpty(string(t.FailureCategory)), nullIfEmpty(t.Remediation), ts(t.CreatedAt), ts(t.UpdatedAt)); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("insert job target: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit job: %w", err)
	}
	return nil
}

func (s *Store) UpdateJobStatus(ctx context.Context, jobID string, status model.JobStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status=? WHERE job_id=?`, string(status), jobID)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	return requireAffected(res)
}

// UpdateTarget persists a target's full execution snapshot.
func (s *Store) UpdateTarget(ctx context.Context, t model.JobTarget) error {
	checks, err := marshalJSON(t.VerificationResults)
	if err != nil {
		return err
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE job_targets SET status=?, log=?, verification_results=?, failure_category=?, remediation=?, updated_at=?
WHERE target_id=?
`, string(t.Status), t.Log, checks, nullIfEmpty(string(t.FailureCategory)), nullIfEmpty(t.Remediation), ts(t.UpdatedAt), t.ID)
	if err != nil {
		return fmt.Errorf("update job target: %w", err)
	}
	return requireAffected(res)
}

func (s *Store) GetJob(ctx context.Context, jobID string) (model.Job, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT job_id, template_id, macro_id, status, created_at FROM jobs WHERE job_id = ?`, jobID)
	job, err := scanJob(row)
	if err != nil {
		return model.Job{}, err
	}
	targets, err := s.listTargets(ctx, jobID)
	if err != nil {
		return model.Job{}, err
	}
	job.Targets = targets
	return job, nil
}

func (s *Store) ListJobs(ctx context.Context) ([]model.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT job_id, template_id, macro_id, status, created_at FROM jobs ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var out []model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		targets, err := s.listTargets(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Targets = targets
	}
	return out, nil
}

func scanJob(row rowScanner) (model.Job, error) {
	var (
		job        model.Job
		templateID sql.NullInt64
		macroID    sql.NullInt64
		status     string
		createdAt  string
	)
	err := row.Scan(&job.ID, &templateID, &macroID, &status, &createdAt)
	if err == sql.ErrNoRows {
		return model.Job{}, ErrNotFound
	}
	if err != nil {
		return model.Job{}, fmt.Errorf("scan job: %w", err)
	}
	if templateID.Valid {
		job.TemplateID = &templateID.Int64
	}
	if macroID.Valid {
		job.MacroID = &macroID.Int64
	}
	job.Status = model.JobStatus(status)
	if job.CreatedAt, err = parseTS(createdAt); err != nil {
		return model.Job{}, fmt.Errorf("parse job created_at: %w", err)
	}
	return job, nil
}

func (s *Store) listTargets(ctx context.Context, jobID string) ([]model.JobTarget, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT target_id, job_id, port, variables, status, log, verification_results, failure_category, remediation, created_at, updated_at
FROM job_targets WHERE job_id = ? ORDER BY created_at, target_id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list job targets: %w", err)
	}
	defer rows.Close()
	var out []model.JobTarget
	for rows.Next() {
		var (
			t         model.JobTarget
			vars      string
			status    string
			checks    string
			category  sql.NullString
			remed     sql.NullString
			createdAt string
			updatedAt string
		)
		if err := rows.Scan(&t.ID, &t.JobID, &t.Port, &vars, &status, &t.Log, &checks, &category, &remed, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan job target: %w", err)
		}
		if err := json.Unmarshal([]byte(vars), &t.Variables); err != nil {
			return nil, fmt.Errorf("decode target variables: %w", err)
		}
		if err := json.Unmarshal([]byte(checks), &t.VerificationResults); err != nil {
			return nil, fmt.Errorf("decode verification_results: %w", err)
		}
		t.Status = model.JobStatus(status)
		if category.Valid {
			t.FailureCategory = model.FailureCategory(category.String)
		}
		if remed.Valid {
			t.Remediation = remed.String
		}
		if t.CreatedAt, err = parseTS(createdAt); err != nil {
			return nil, fmt.Errorf("parse target created_at: %w", err)
		}
		if t.UpdatedAt, err = parseTS(updatedAt); err != nil {
			return nil, fmt.Errorf("parse target updated_at: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- helpers ---

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "null", nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal json column: %w", err)
	}
	return string(raw), nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullableI64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
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
