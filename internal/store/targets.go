package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agusx1211/gonogo/internal/findings"
)

const timeFormat = time.RFC3339Nano

const targetColumns = `id, url, status, report_path, overall_score, verdict, tech_stack, findings_json, parent_id,
	fix_loop_enabled, max_cycles, stop_on_verdict, deploy_mode, deploy_command, severity_filter,
	apply_mode, repo_path, fix_branch, original_branch, current_cycle, created_at, updated_at`

// CreateTarget inserts a target, assigning an ID and timestamps when unset.
func (s *Store) CreateTarget(ctx context.Context, t *Target) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = TargetPending
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	args, err := targetArgs(t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO targets (`+targetColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		return fmt.Errorf("store: insert target: %w", err)
	}
	return nil
}

// GetTarget returns the target with id or ErrTargetNotFound.
func (s *Store) GetTarget(ctx context.Context, id string) (*Target, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+targetColumns+` FROM targets WHERE id = ?`, id)
	return scanTarget(row)
}

// UpdateTarget rewrites every column of an existing target.
func (s *Store) UpdateTarget(ctx context.Context, t *Target) error {
	t.UpdatedAt = time.Now().UTC()
	args, err := targetArgs(t)
	if err != nil {
		return err
	}
	// id moves from first to last for the WHERE clause.
	args = append(args[1:], t.ID)
	res, err := s.db.ExecContext(ctx, `UPDATE targets SET
		url = ?, status = ?, report_path = ?, overall_score = ?, verdict = ?, tech_stack = ?, findings_json = ?, parent_id = ?,
		fix_loop_enabled = ?, max_cycles = ?, stop_on_verdict = ?, deploy_mode = ?, deploy_command = ?, severity_filter = ?,
		apply_mode = ?, repo_path = ?, fix_branch = ?, original_branch = ?, current_cycle = ?, created_at = ?, updated_at = ?
		WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("store: update target: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTargetNotFound
	}
	return nil
}

// SetCurrentCycle records the cycle a loop is working on.
func (s *Store) SetCurrentCycle(ctx context.Context, targetID string, cycle int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE targets SET current_cycle = ?, updated_at = ? WHERE id = ?`,
		cycle, time.Now().UTC().Format(timeFormat), targetID)
	if err != nil {
		return fmt.Errorf("store: set current cycle: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTargetNotFound
	}
	return nil
}

// ListTargets returns top-level targets, newest first.
func (s *Store) ListTargets(ctx context.Context) ([]*Target, error) {
	return s.queryTargets(ctx, `SELECT `+targetColumns+` FROM targets WHERE parent_id IS NULL ORDER BY created_at DESC`)
}

// ListChildren returns the follow-up scans of parentID in creation order.
func (s *Store) ListChildren(ctx context.Context, parentID string) ([]*Target, error) {
	return s.queryTargets(ctx, `SELECT `+targetColumns+` FROM targets WHERE parent_id = ? ORDER BY rowid`, parentID)
}

func (s *Store) queryTargets(ctx context.Context, query string, args ...any) ([]*Target, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query targets: %w", err)
	}
	defer rows.Close()

	var out []*Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func targetArgs(t *Target) ([]any, error) {
	var findingsJSON *string
	if t.Findings != nil {
		data, err := json.Marshal(t.Findings)
		if err != nil {
			return nil, fmt.Errorf("store: marshal findings: %w", err)
		}
		v := string(data)
		findingsJSON = &v
	}
	return []any{
		t.ID,
		t.URL,
		t.Status,
		nullableString(t.ReportPath),
		t.OverallScore,
		nullableString(t.Verdict),
		nullableString(t.TechStack),
		findingsJSON,
		nullableString(t.ParentID),
		boolInt(t.FixLoopEnabled),
		nullableInt(t.MaxCycles),
		nullableString(t.StopOnVerdict),
		nullableString(t.DeployMode),
		nullableString(t.DeployCommand),
		nullableString(strings.Join(t.SeverityFilter, ",")),
		nullableString(t.ApplyMode),
		nullableString(t.RepoPath),
		nullableString(t.FixBranch),
		nullableString(t.OriginalBranch),
		t.CurrentCycle,
		t.CreatedAt.UTC().Format(timeFormat),
		t.UpdatedAt.UTC().Format(timeFormat),
	}, nil
}

func scanTarget(row interface{ Scan(...any) error }) (*Target, error) {
	var (
		t                                                      Target
		reportPath, verdict, techStack, findingsJSON, parentID sql.NullString
		stopOn, deployMode, deployCmd, sevFilter, applyMode    sql.NullString
		repoPath, fixBranch, origBranch                        sql.NullString
		score                                                  sql.NullFloat64
		maxCycles                                              sql.NullInt64
		enabled                                                int
		createdAt, updatedAt                                   string
	)
	err := row.Scan(&t.ID, &t.URL, &t.Status, &reportPath, &score, &verdict, &techStack, &findingsJSON, &parentID,
		&enabled, &maxCycles, &stopOn, &deployMode, &deployCmd, &sevFilter,
		&applyMode, &repoPath, &fixBranch, &origBranch, &t.CurrentCycle, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTargetNotFound
		}
		return nil, fmt.Errorf("store: scan target: %w", err)
	}

	t.ReportPath = reportPath.String
	if score.Valid {
		v := score.Float64
		t.OverallScore = &v
	}
	t.Verdict = verdict.String
	t.TechStack = techStack.String
	if findingsJSON.Valid && findingsJSON.String != "" {
		var fs []findings.Finding
		if err := json.Unmarshal([]byte(findingsJSON.String), &fs); err != nil {
			return nil, fmt.Errorf("store: decode findings of %s: %w", t.ID, err)
		}
		t.Findings = fs
	}
	t.ParentID = parentID.String
	t.FixLoopEnabled = enabled != 0
	t.MaxCycles = int(maxCycles.Int64)
	t.StopOnVerdict = stopOn.String
	t.DeployMode = deployMode.String
	t.DeployCommand = deployCmd.String
	if sevFilter.String != "" {
		t.SeverityFilter = strings.Split(sevFilter.String, ",")
	}
	t.ApplyMode = applyMode.String
	t.RepoPath = repoPath.String
	t.FixBranch = fixBranch.String
	t.OriginalBranch = origBranch.String
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

func nullableString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func nullableInt(v int) *int {
	if v == 0 {
		return nil
	}
	return &v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeFormat, s)
	return t
}
