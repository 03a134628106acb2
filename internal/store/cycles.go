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
)

const cycleColumns = `id, target_id, cycle_number, status, agent_output, cost_usd, duration_seconds, files_modified,
	findings_resolved, findings_new, findings_unchanged, deploy_url, rescan_id, rescan_score, rescan_verdict,
	error_message, created_at, completed_at`

// CreateCycle inserts a new cycle record. Records start in an in-flight
// status; pending is assumed when none is set.
func (s *Store) CreateCycle(ctx context.Context, c *CycleRecord) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = CyclePending
	}
	if c.Status.Terminal() {
		return &TransitionError{From: CyclePending, To: c.Status}
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	args, err := cycleArgs(c)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO fix_cycles (`+cycleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		return fmt.Errorf("store: insert fix cycle: %w", err)
	}
	s.log.Debug().Str("target", c.TargetID).Int("cycle", c.CycleNumber).Str("status", string(c.Status)).Msg("cycle created")
	return nil
}

// UpdateCycle persists c. It fails with ErrCycleFinalized when the stored
// record already has a completion time and with a *TransitionError when the
// status change would move backwards. Moving into a terminal status stamps
// CompletedAt.
func (s *Store) UpdateCycle(ctx context.Context, c *CycleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.transaction(ctx, func(tx *sql.Tx) error {
		var (
			current     string
			completedAt sql.NullString
		)
		err := tx.QueryRowContext(ctx, `SELECT status, completed_at FROM fix_cycles WHERE id = ?`, c.ID).Scan(&current, &completedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrCycleNotFound
		}
		if err != nil {
			return fmt.Errorf("store: load fix cycle: %w", err)
		}
		if completedAt.Valid {
			return ErrCycleFinalized
		}
		if !CanTransition(CycleStatus(current), c.Status) {
			return &TransitionError{From: CycleStatus(current), To: c.Status}
		}
		if c.Status.Terminal() && c.CompletedAt == nil {
			now := time.Now().UTC()
			c.CompletedAt = &now
		}

		args, err := cycleArgs(c)
		if err != nil {
			return err
		}
		// Drop id, target_id, cycle_number and created_at; append id for WHERE.
		set := append(append([]any{}, args[3:16]...), args[17], c.ID)
		_, err = tx.ExecContext(ctx, `UPDATE fix_cycles SET
			status = ?, agent_output = ?, cost_usd = ?, duration_seconds = ?, files_modified = ?,
			findings_resolved = ?, findings_new = ?, findings_unchanged = ?, deploy_url = ?, rescan_id = ?,
			rescan_score = ?, rescan_verdict = ?, error_message = ?, completed_at = ?
			WHERE id = ?`, set...)
		if err != nil {
			return fmt.Errorf("store: update fix cycle: %w", err)
		}
		return nil
	})
}

// GetCycle returns one cycle record by ID.
func (s *Store) GetCycle(ctx context.Context, id string) (*CycleRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+cycleColumns+` FROM fix_cycles WHERE id = ?`, id)
	return scanCycle(row)
}

// ListCycles returns every cycle of targetID in creation order.
func (s *Store) ListCycles(ctx context.Context, targetID string) ([]*CycleRecord, error) {
	return s.queryCycles(ctx, `SELECT `+cycleColumns+` FROM fix_cycles WHERE target_id = ? ORDER BY rowid`, targetID)
}

// LatestCycle returns the most recently created cycle of targetID.
func (s *Store) LatestCycle(ctx context.Context, targetID string) (*CycleRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+cycleColumns+` FROM fix_cycles WHERE target_id = ? ORDER BY rowid DESC LIMIT 1`, targetID)
	c, err := scanCycle(row)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ActiveCycles returns the records of targetID that never reached a
// terminal status. After a restart these are leftovers of a dead loop.
func (s *Store) ActiveCycles(ctx context.Context, targetID string) ([]*CycleRecord, error) {
	placeholders, args := activeStatusArgs()
	return s.queryCycles(ctx, `SELECT `+cycleColumns+` FROM fix_cycles
		WHERE target_id = ? AND status IN (`+placeholders+`) ORDER BY rowid`, append([]any{targetID}, args...)...)
}

// MarkInterrupted moves every in-flight record of targetID to interrupted
// with msg as the error message. Returns the affected cycle numbers.
func (s *Store) MarkInterrupted(ctx context.Context, targetID, msg string) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var numbers []int
	err := s.transaction(ctx, func(tx *sql.Tx) error {
		placeholders, statusArgs := activeStatusArgs()
		rows, err := tx.QueryContext(ctx, `SELECT id, cycle_number FROM fix_cycles
			WHERE target_id = ? AND status IN (`+placeholders+`) ORDER BY rowid`, append([]any{targetID}, statusArgs...)...)
		if err != nil {
			return fmt.Errorf("store: query active cycles: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			var n int
			if err := rows.Scan(&id, &n); err != nil {
				rows.Close()
				return fmt.Errorf("store: scan active cycle: %w", err)
			}
			ids = append(ids, id)
			numbers = append(numbers, n)
		}
		rows.Close()

		now := time.Now().UTC().Format(timeFormat)
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `UPDATE fix_cycles SET status = ?, error_message = ?, completed_at = ? WHERE id = ?`,
				string(CycleInterrupted), msg, now, id); err != nil {
				return fmt.Errorf("store: mark cycle interrupted: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(numbers) > 0 {
		s.log.Warn().Str("target", targetID).Ints("cycles", numbers).Msg("marked cycles interrupted")
	}
	return numbers, nil
}

func (s *Store) queryCycles(ctx context.Context, query string, args ...any) ([]*CycleRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query fix cycles: %w", err)
	}
	defer rows.Close()

	var out []*CycleRecord
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func activeStatusArgs() (string, []any) {
	args := make([]any, len(activeStatuses))
	for i, st := range activeStatuses {
		args[i] = string(st)
	}
	return strings.TrimSuffix(strings.Repeat("?, ", len(args)), ", "), args
}

func cycleArgs(c *CycleRecord) ([]any, error) {
	var files *string
	if len(c.FilesModified) > 0 {
		data, err := json.Marshal(c.FilesModified)
		if err != nil {
			return nil, fmt.Errorf("store: marshal files modified: %w", err)
		}
		v := string(data)
		files = &v
	}
	var completed *string
	if c.CompletedAt != nil {
		v := c.CompletedAt.UTC().Format(timeFormat)
		completed = &v
	}
	return []any{
		c.ID,                                 // 0
		c.TargetID,                           // 1
		c.CycleNumber,                        // 2
		string(c.Status),                     // 3
		nullableString(c.AgentOutput),        // 4
		c.CostUSD,                            // 5
		c.DurationSeconds,                    // 6
		files,                                // 7
		c.FindingsResolved,                   // 8
		c.FindingsNew,                        // 9
		c.FindingsUnchanged,                  // 10
		nullableString(c.DeployURL),          // 11
		nullableString(c.RescanID),           // 12
		c.RescanScore,                        // 13
		nullableString(c.RescanVerdict),      // 14
		nullableString(c.ErrorMessage),       // 15
		c.CreatedAt.UTC().Format(timeFormat), // 16
		completed,                            // 17
	}, nil
}

func scanCycle(row interface{ Scan(...any) error }) (*CycleRecord, error) {
	var (
		c                                          CycleRecord
		status, createdAt                          string
		output, files, deployURL, rescanID, errMsg sql.NullString
		verdict, completedAt                       sql.NullString
		score                                      sql.NullFloat64
	)
	err := row.Scan(&c.ID, &c.TargetID, &c.CycleNumber, &status, &output, &c.CostUSD, &c.DurationSeconds, &files,
		&c.FindingsResolved, &c.FindingsNew, &c.FindingsUnchanged, &deployURL, &rescanID, &score, &verdict,
		&errMsg, &createdAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCycleNotFound
		}
		return nil, fmt.Errorf("store: scan fix cycle: %w", err)
	}
	c.Status = CycleStatus(status)
	c.AgentOutput = output.String
	if files.Valid && files.String != "" {
		if err := json.Unmarshal([]byte(files.String), &c.FilesModified); err != nil {
			return nil, fmt.Errorf("store: decode files modified of %s: %w", c.ID, err)
		}
	}
	c.DeployURL = deployURL.String
	c.RescanID = rescanID.String
	if score.Valid {
		v := score.Float64
		c.RescanScore = &v
	}
	c.RescanVerdict = verdict.String
	c.ErrorMessage = errMsg.String
	c.CreatedAt = parseTime(createdAt)
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		c.CompletedAt = &t
	}
	return &c, nil
}
