package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// This file implements CoordinatorStore and EnvironmentStore for
// SQLiteStore. Queries are written against SQLite's upsert dialect
// (INSERT ... ON CONFLICT ... DO UPDATE); see mysql_ops.go for the
// MySQL-dialect twin.

func (s *SQLiteStore) RegisterInstance(ctx context.Context, inst *Instance) (*Instance, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if existing, err := s.GetInstance(ctx, inst.InstanceID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	status := inst.Status
	if status == "" {
		status = StatusPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instances (instance_id, tenant_id, status, checkpoint_id, attempt, max_attempts, image_id, created_at)
		VALUES (?, ?, ?, '', 0, ?, ?, ?)
		ON CONFLICT(instance_id) DO NOTHING
	`, inst.InstanceID, inst.TenantID, status, inst.MaxAttempts, inst.ImageID, inst.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("register instance: %w", err)
	}
	return s.GetInstance(ctx, inst.InstanceID)
}

func (s *SQLiteStore) ActivateInstance(ctx context.Context, instanceID, tenantID, checkpointID string) (*Instance, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if tenantID == "" {
		return nil, ErrInvalidArgument
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status, existingTenant string
	err = tx.QueryRowContext(ctx, `SELECT status, tenant_id FROM instances WHERE instance_id = ?`, instanceID).Scan(&status, &existingTenant)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load instance for activation: %w", err)
	}
	if existingTenant != tenantID {
		return nil, ErrInvalidArgument
	}
	if InstanceStatus(status).IsTerminal() {
		_ = tx.Commit()
		return s.GetInstance(ctx, instanceID)
	}

	if status == string(StatusPending) {
		if _, err := tx.ExecContext(ctx, `UPDATE instances SET status = ?, started_at = ? WHERE instance_id = ?`,
			StatusRunning, time.Now(), instanceID); err != nil {
			return nil, fmt.Errorf("activate instance: %w", err)
		}
	}
	if checkpointID != "" {
		if _, err := tx.ExecContext(ctx, `UPDATE instances SET checkpoint_id = ? WHERE instance_id = ?`, checkpointID, instanceID); err != nil {
			return nil, fmt.Errorf("set resume checkpoint: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit activation: %w", err)
	}
	return s.GetInstance(ctx, instanceID)
}

func scanInstance(row interface {
	Scan(dest ...any) error
}) (*Instance, error) {
	var inst Instance
	var startedAt, finishedAt sql.NullTime
	var output []byte
	err := row.Scan(&inst.InstanceID, &inst.TenantID, &inst.Status, &inst.CheckpointID, &inst.Attempt,
		&inst.MaxAttempts, &inst.ImageID, &inst.CreatedAt, &startedAt, &finishedAt, &output, &inst.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if startedAt.Valid {
		inst.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		inst.FinishedAt = &finishedAt.Time
	}
	if output != nil {
		inst.Output = output
	}
	return &inst, nil
}

const selectInstanceCols = `instance_id, tenant_id, status, checkpoint_id, attempt, max_attempts, image_id, created_at, started_at, finished_at, output, error`

func (s *SQLiteStore) GetInstance(ctx context.Context, instanceID string) (*Instance, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+selectInstanceCols+` FROM instances WHERE instance_id = ?`, instanceID)
	inst, err := scanInstance(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get instance: %w", err)
	}
	return inst, nil
}

func (s *SQLiteStore) ListInstances(ctx context.Context, tenantID string, status InstanceStatus, limit int) ([]*Instance, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	query := `SELECT ` + selectInstanceCols + ` FROM instances WHERE 1=1`
	args := []any{}
	if tenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, tenantID)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*Instance, 0)
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, idempotencyKey string, cp *Checkpoint, newStatus InstanceStatus) (*Checkpoint, bool, *CustomSignal, error) {
	if err := s.checkOpen(); err != nil {
		return nil, false, nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if idempotencyKey != "" {
		var existingInstance, existingCheckpoint string
		err := tx.QueryRowContext(ctx, `SELECT instance_id, checkpoint_id FROM checkpoints WHERE idempotency_key = ?`, idempotencyKey).
			Scan(&existingInstance, &existingCheckpoint)
		if err == nil {
			existing, err := s.getCheckpointTx(ctx, tx, existingInstance, existingCheckpoint)
			if err != nil {
				return nil, false, nil, err
			}
			return existing, true, nil, tx.Commit()
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil, fmt.Errorf("check idempotency: %w", err)
		}
	}

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM instances WHERE instance_id = ?`, cp.InstanceID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil, ErrNotFound
	}
	if err != nil {
		return nil, false, nil, fmt.Errorf("load instance status: %w", err)
	}
	if InstanceStatus(status).IsTerminal() {
		return nil, false, nil, ErrTerminalInstance
	}

	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	var seq int
	err = tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM checkpoints WHERE instance_id = ?`, cp.InstanceID).Scan(&seq)
	if err != nil {
		return nil, false, nil, fmt.Errorf("compute checkpoint seq: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (instance_id, checkpoint_id, state, idempotency_key, created_at, seq)
		VALUES (?, ?, ?, ?, ?, ?)
	`, cp.InstanceID, cp.CheckpointID, cp.State, idempotencyKey, cp.CreatedAt, seq)
	if err != nil {
		return nil, false, nil, fmt.Errorf("insert checkpoint: %w", err)
	}

	if newStatus == "" {
		newStatus = InstanceStatus(status)
	}
	_, err = tx.ExecContext(ctx, `UPDATE instances SET checkpoint_id = ?, attempt = 0, status = ? WHERE instance_id = ?`,
		cp.CheckpointID, newStatus, cp.InstanceID)
	if err != nil {
		return nil, false, nil, fmt.Errorf("advance instance checkpoint: %w", err)
	}

	var consumed *CustomSignal
	var payload []byte
	var createdAt time.Time
	err = tx.QueryRowContext(ctx, `SELECT payload, created_at FROM custom_signals WHERE instance_id = ? AND checkpoint_id = ?`,
		cp.InstanceID, cp.CheckpointID).Scan(&payload, &createdAt)
	if err == nil {
		consumed = &CustomSignal{InstanceID: cp.InstanceID, CheckpointID: cp.CheckpointID, Payload: payload, CreatedAt: createdAt}
		if _, err := tx.ExecContext(ctx, `DELETE FROM custom_signals WHERE instance_id = ? AND checkpoint_id = ?`, cp.InstanceID, cp.CheckpointID); err != nil {
			return nil, false, nil, fmt.Errorf("consume custom signal: %w", err)
		}
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil, fmt.Errorf("load custom signal: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM wakes WHERE instance_id = ? AND checkpoint_id = ?`, cp.InstanceID, cp.CheckpointID); err != nil {
		return nil, false, nil, fmt.Errorf("clear wake: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, nil, fmt.Errorf("commit checkpoint: %w", err)
	}
	saved := *cp
	return &saved, false, consumed, nil
}

func (s *SQLiteStore) getCheckpointTx(ctx context.Context, tx *sql.Tx, instanceID, checkpointID string) (*Checkpoint, error) {
	var cp Checkpoint
	cp.InstanceID = instanceID
	cp.CheckpointID = checkpointID
	err := tx.QueryRowContext(ctx, `SELECT state, created_at FROM checkpoints WHERE instance_id = ? AND checkpoint_id = ?`,
		instanceID, checkpointID).Scan(&cp.State, &cp.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return &cp, nil
}

func (s *SQLiteStore) GetCheckpoint(ctx context.Context, instanceID, checkpointID string) (*Checkpoint, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var cp Checkpoint
	cp.InstanceID = instanceID
	cp.CheckpointID = checkpointID
	err := s.db.QueryRowContext(ctx, `SELECT state, created_at FROM checkpoints WHERE instance_id = ? AND checkpoint_id = ?`,
		instanceID, checkpointID).Scan(&cp.State, &cp.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return &cp, nil
}

func (s *SQLiteStore) ListCheckpoints(ctx context.Context, instanceID, afterCheckpointID string, limit int) ([]*Checkpoint, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	afterSeq := 0
	if afterCheckpointID != "" {
		err := s.db.QueryRowContext(ctx, `SELECT seq FROM checkpoints WHERE instance_id = ? AND checkpoint_id = ?`,
			instanceID, afterCheckpointID).Scan(&afterSeq)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("resolve cursor: %w", err)
		}
	}
	query := `SELECT checkpoint_id, state, created_at FROM checkpoints WHERE instance_id = ? AND seq > ? ORDER BY seq ASC`
	args := []any{instanceID, afterSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*Checkpoint, 0)
	for rows.Next() {
		cp := &Checkpoint{InstanceID: instanceID}
		if err := rows.Scan(&cp.CheckpointID, &cp.State, &cp.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, ev *Event) (*Event, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (instance_id, event_type, checkpoint_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, ev.InstanceID, ev.EventType, ev.CheckpointID, ev.Payload, ev.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("append event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("read event id: %w", err)
	}
	saved := *ev
	saved.ID = id
	return &saved, nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, instanceID string, eventType EventType, limit int) ([]*Event, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	query := `SELECT id, instance_id, event_type, checkpoint_id, payload, created_at FROM events WHERE instance_id = ?`
	args := []any{instanceID}
	if eventType != "" {
		query += ` AND event_type = ?`
		args = append(args, eventType)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*Event, 0)
	for rows.Next() {
		ev := &Event{}
		if err := rows.Scan(&ev.ID, &ev.InstanceID, &ev.EventType, &ev.CheckpointID, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	// Results were fetched newest-first for an efficient indexed LIMIT; restore chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetStatus(ctx context.Context, instanceID string, status InstanceStatus, output []byte, errMsg string) (*Instance, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM instances WHERE instance_id = ?`, instanceID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load status: %w", err)
	}
	if InstanceStatus(current).IsTerminal() {
		return nil, ErrTerminalInstance
	}

	query := `UPDATE instances SET status = ?`
	args := []any{status}
	if output != nil {
		query += `, output = ?`
		args = append(args, output)
	}
	if errMsg != "" {
		query += `, error = ?`
		args = append(args, errMsg)
	}
	if status.IsTerminal() {
		query += `, finished_at = ?`
		args = append(args, time.Now())
	}
	query += ` WHERE instance_id = ?`
	args = append(args, instanceID)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("set status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit status: %w", err)
	}
	return s.GetInstance(ctx, instanceID)
}

func (s *SQLiteStore) PollSignals(ctx context.Context, instanceID, waitCheckpointID string) (*Signal, *CustomSignal, error) {
	if err := s.checkOpen(); err != nil {
		return nil, nil, err
	}
	var sig *Signal
	var sigType string
	var payload []byte
	var createdAt time.Time
	var ackAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT signal_type, payload, created_at, acknowledged_at FROM signals WHERE instance_id = ?`, instanceID).
		Scan(&sigType, &payload, &createdAt, &ackAt)
	if err == nil && !ackAt.Valid {
		sig = &Signal{InstanceID: instanceID, SignalType: SignalType(sigType), Payload: payload, CreatedAt: createdAt}
	} else if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("poll signal: %w", err)
	}

	var cs *CustomSignal
	if waitCheckpointID != "" {
		var csPayload []byte
		var csCreatedAt time.Time
		err := s.db.QueryRowContext(ctx, `SELECT payload, created_at FROM custom_signals WHERE instance_id = ? AND checkpoint_id = ?`,
			instanceID, waitCheckpointID).Scan(&csPayload, &csCreatedAt)
		if err == nil {
			cs = &CustomSignal{InstanceID: instanceID, CheckpointID: waitCheckpointID, Payload: csPayload, CreatedAt: csCreatedAt}
		} else if !errors.Is(err, sql.ErrNoRows) {
			return nil, nil, fmt.Errorf("poll custom signal: %w", err)
		}
	}
	return sig, cs, nil
}

func (s *SQLiteStore) AckSignal(ctx context.Context, instanceID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `UPDATE signals SET acknowledged_at = ? WHERE instance_id = ? AND acknowledged_at IS NULL`,
		time.Now(), instanceID)
	if err != nil {
		return fmt.Errorf("ack signal: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SendSignal(ctx context.Context, sig *Signal) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	var ackAt sql.NullTime
	var existingType SignalType
	err := s.db.QueryRowContext(ctx, `SELECT signal_type, acknowledged_at FROM signals WHERE instance_id = ?`, sig.InstanceID).Scan(&existingType, &ackAt)
	if err == nil && !ackAt.Valid && !signalOverrides(existingType, sig.SignalType) {
		return ErrSignalPending
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("check pending signal: %w", err)
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO signals (instance_id, signal_type, payload, created_at, acknowledged_at)
		VALUES (?, ?, ?, ?, NULL)
		ON CONFLICT(instance_id) DO UPDATE SET signal_type = excluded.signal_type, payload = excluded.payload,
			created_at = excluded.created_at, acknowledged_at = NULL
	`, sig.InstanceID, sig.SignalType, sig.Payload, sig.CreatedAt)
	if err != nil {
		return fmt.Errorf("send signal: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SendCustomSignal(ctx context.Context, cs *CustomSignal) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if cs.CreatedAt.IsZero() {
		cs.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO custom_signals (instance_id, checkpoint_id, payload, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(instance_id, checkpoint_id) DO UPDATE SET payload = excluded.payload, created_at = excluded.created_at
	`, cs.InstanceID, cs.CheckpointID, cs.Payload, cs.CreatedAt)
	if err != nil {
		return fmt.Errorf("send custom signal: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ConsumeCustomSignal(ctx context.Context, instanceID, checkpointID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM custom_signals WHERE instance_id = ? AND checkpoint_id = ?`, instanceID, checkpointID)
	if err != nil {
		return fmt.Errorf("consume custom signal: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ScheduleWake(ctx context.Context, w *WakeEntry) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wakes (instance_id, checkpoint_id, wake_at, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(instance_id, checkpoint_id) DO UPDATE SET wake_at = excluded.wake_at
	`, w.InstanceID, w.CheckpointID, w.WakeAt, w.CreatedAt)
	if err != nil {
		return fmt.Errorf("schedule wake: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DueWakes(ctx context.Context, before time.Time, limit int) ([]*WakeEntry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	query := `SELECT instance_id, checkpoint_id, wake_at, created_at FROM wakes WHERE wake_at <= ? ORDER BY wake_at ASC`
	args := []any{before}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("due wakes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*WakeEntry, 0)
	for rows.Next() {
		w := &WakeEntry{}
		if err := rows.Scan(&w.InstanceID, &w.CheckpointID, &w.WakeAt, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan wake: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteWake(ctx context.Context, instanceID, checkpointID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM wakes WHERE instance_id = ? AND checkpoint_id = ?`, instanceID, checkpointID)
	if err != nil {
		return fmt.Errorf("delete wake: %w", err)
	}
	return nil
}

// --- EnvironmentStore ---

func (s *SQLiteStore) RegisterImage(ctx context.Context, img *Image) (*Image, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if existing, err := s.GetImage(ctx, img.ImageID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if img.CreatedAt.IsZero() {
		img.CreatedAt = time.Now()
	}
	metaJSON, err := json.Marshal(img.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal image metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO images (image_id, tenant_id, name, binary_path, bundle_path, runner_type, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(image_id) DO NOTHING
	`, img.ImageID, img.TenantID, img.Name, img.BinaryPath, img.BundlePath, img.RunnerType, string(metaJSON), img.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("register image: %w", err)
	}
	return s.GetImage(ctx, img.ImageID)
}

func (s *SQLiteStore) GetImage(ctx context.Context, imageID string) (*Image, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var img Image
	var metaJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT image_id, tenant_id, name, binary_path, bundle_path, runner_type, metadata, created_at
		FROM images WHERE image_id = ?
	`, imageID).Scan(&img.ImageID, &img.TenantID, &img.Name, &img.BinaryPath, &img.BundlePath, &img.RunnerType, &metaJSON, &img.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get image: %w", err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &img.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal image metadata: %w", err)
	}
	return &img, nil
}

func (s *SQLiteStore) ListImages(ctx context.Context, tenantID string) ([]*Image, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	query := `SELECT image_id, tenant_id, name, binary_path, bundle_path, runner_type, metadata, created_at FROM images`
	args := []any{}
	if tenantID != "" {
		query += ` WHERE tenant_id = ?`
		args = append(args, tenantID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*Image, 0)
	for rows.Next() {
		var img Image
		var metaJSON string
		if err := rows.Scan(&img.ImageID, &img.TenantID, &img.Name, &img.BinaryPath, &img.BundlePath, &img.RunnerType, &metaJSON, &img.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan image: %w", err)
		}
		if err := json.Unmarshal([]byte(metaJSON), &img.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal image metadata: %w", err)
		}
		out = append(out, &img)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListUnreferencedImages(ctx context.Context, cutoff time.Time, limit int) ([]*Image, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	query := `
		SELECT image_id, tenant_id, name, binary_path, bundle_path, runner_type, metadata, created_at
		FROM images i
		WHERE i.created_at < ?
		AND NOT EXISTS (
			SELECT 1 FROM instances n
			WHERE n.image_id = i.image_id AND n.status NOT IN ('Completed', 'Failed', 'Cancelled')
		)
		ORDER BY i.created_at ASC`
	args := []any{cutoff}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list unreferenced images: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*Image, 0)
	for rows.Next() {
		var img Image
		var metaJSON string
		if err := rows.Scan(&img.ImageID, &img.TenantID, &img.Name, &img.BinaryPath, &img.BundlePath, &img.RunnerType, &metaJSON, &img.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan image: %w", err)
		}
		if err := json.Unmarshal([]byte(metaJSON), &img.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal image metadata: %w", err)
		}
		out = append(out, &img)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeregisterImage(ctx context.Context, imageID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM images WHERE image_id = ?`, imageID)
	if err != nil {
		return fmt.Errorf("deregister image: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveContainerRegistration(ctx context.Context, reg *ContainerRegistration) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO containers (instance_id, handle_id, started_at, binary_path, bundle_path, timeout_ns, pid, last_event_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(instance_id) DO UPDATE SET handle_id = excluded.handle_id, started_at = excluded.started_at,
			binary_path = excluded.binary_path, bundle_path = excluded.bundle_path, timeout_ns = excluded.timeout_ns,
			pid = excluded.pid, last_event_at = excluded.last_event_at
	`, reg.InstanceID, reg.HandleID, reg.StartedAt, reg.BinaryPath, reg.BundlePath, reg.Timeout.Nanoseconds(), reg.PID, reg.LastEventAt)
	if err != nil {
		return fmt.Errorf("save container registration: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetContainerRegistration(ctx context.Context, instanceID string) (*ContainerRegistration, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var reg ContainerRegistration
	var timeoutNs int64
	reg.InstanceID = instanceID
	err := s.db.QueryRowContext(ctx, `
		SELECT handle_id, started_at, binary_path, bundle_path, timeout_ns, pid, last_event_at
		FROM containers WHERE instance_id = ?
	`, instanceID).Scan(&reg.HandleID, &reg.StartedAt, &reg.BinaryPath, &reg.BundlePath, &timeoutNs, &reg.PID, &reg.LastEventAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get container registration: %w", err)
	}
	reg.Timeout = time.Duration(timeoutNs)
	return &reg, nil
}

func (s *SQLiteStore) ListStaleContainers(ctx context.Context, cutoffUnixNano int64) ([]*ContainerRegistration, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	cutoff := time.Unix(0, cutoffUnixNano)
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, handle_id, started_at, binary_path, bundle_path, timeout_ns, pid, last_event_at
		FROM containers WHERE last_event_at < ?
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale containers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*ContainerRegistration, 0)
	for rows.Next() {
		var reg ContainerRegistration
		var timeoutNs int64
		if err := rows.Scan(&reg.InstanceID, &reg.HandleID, &reg.StartedAt, &reg.BinaryPath, &reg.BundlePath, &timeoutNs, &reg.PID, &reg.LastEventAt); err != nil {
			return nil, fmt.Errorf("scan container: %w", err)
		}
		reg.Timeout = time.Duration(timeoutNs)
		out = append(out, &reg)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteContainerRegistration(ctx context.Context, instanceID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM containers WHERE instance_id = ?`, instanceID)
	if err != nil {
		return fmt.Errorf("delete container registration: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListTerminalInstances(ctx context.Context, cutoff time.Time, limit int) ([]*Instance, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	query := `SELECT ` + selectInstanceCols + ` FROM instances
		WHERE status IN ('Completed', 'Failed', 'Cancelled') AND finished_at IS NOT NULL AND finished_at < ?
		ORDER BY finished_at ASC`
	args := []any{cutoff}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list terminal instances: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*Instance, 0)
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteInstance(ctx context.Context, instanceID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete instance tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"checkpoints", "events", "signals", "custom_signals", "wakes", "containers", "instances"} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE instance_id = ?`, table), instanceID); err != nil {
			return fmt.Errorf("delete from %s: %w", table, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) InstanceStatus(ctx context.Context, instanceID string) (InstanceStatus, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM instances WHERE instance_id = ?`, instanceID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("instance status: %w", err)
	}
	return InstanceStatus(status), nil
}
