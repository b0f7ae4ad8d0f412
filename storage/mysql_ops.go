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
// MySQLStore. The row-level operations mirror sqlite_ops.go; the SQL here
// uses MySQL's "INSERT ... ON DUPLICATE KEY UPDATE" upsert dialect instead
// of SQLite's "ON CONFLICT ... DO UPDATE".

func (s *MySQLStore) RegisterInstance(ctx context.Context, inst *Instance) (*Instance, error) {
	if err := s.checkOpen(); err != nil {
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
		INSERT INTO instances (instance_id, tenant_id, status, checkpoint_id, attempt, max_attempts, image_id, created_at, error)
		VALUES (?, ?, ?, '', 0, ?, ?, ?, '')
		ON DUPLICATE KEY UPDATE instance_id = instance_id
	`, inst.InstanceID, inst.TenantID, status, inst.MaxAttempts, inst.ImageID, inst.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("register instance: %w", err)
	}
	return s.GetInstance(ctx, inst.InstanceID)
}

func (s *MySQLStore) ActivateInstance(ctx context.Context, instanceID, tenantID, checkpointID string) (*Instance, error) {
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
	err = tx.QueryRowContext(ctx, `SELECT status, tenant_id FROM instances WHERE instance_id = ? FOR UPDATE`, instanceID).Scan(&status, &existingTenant)
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

func (s *MySQLStore) GetInstance(ctx context.Context, instanceID string) (*Instance, error) {
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

func (s *MySQLStore) ListInstances(ctx context.Context, tenantID string, status InstanceStatus, limit int) ([]*Instance, error) {
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

func (s *MySQLStore) SaveCheckpoint(ctx context.Context, idempotencyKey string, cp *Checkpoint, newStatus InstanceStatus) (*Checkpoint, bool, *CustomSignal, error) {
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
			var existing Checkpoint
			existing.InstanceID = existingInstance
			existing.CheckpointID = existingCheckpoint
			if err := tx.QueryRowContext(ctx, `SELECT state, created_at FROM checkpoints WHERE instance_id = ? AND checkpoint_id = ?`,
				existingInstance, existingCheckpoint).Scan(&existing.State, &existing.CreatedAt); err != nil {
				return nil, false, nil, fmt.Errorf("load existing checkpoint: %w", err)
			}
			return &existing, true, nil, tx.Commit()
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil, fmt.Errorf("check idempotency: %w", err)
		}
	}

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM instances WHERE instance_id = ? FOR UPDATE`, cp.InstanceID).Scan(&status)
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
	var seq int64
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

func (s *MySQLStore) GetCheckpoint(ctx context.Context, instanceID, checkpointID string) (*Checkpoint, error) {
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

func (s *MySQLStore) ListCheckpoints(ctx context.Context, instanceID, afterCheckpointID string, limit int) ([]*Checkpoint, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var afterSeq int64
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

func (s *MySQLStore) AppendEvent(ctx context.Context, ev *Event) (*Event, error) {
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

func (s *MySQLStore) ListEvents(ctx context.Context, instanceID string, eventType EventType, limit int) ([]*Event, error) {
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
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

func (s *MySQLStore) SetStatus(ctx context.Context, instanceID string, status InstanceStatus, output []byte, errMsg string) (*Instance, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM instances WHERE instance_id = ? FOR UPDATE`, instanceID).Scan(&current)
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

func (s *MySQLStore) PollSignals(ctx context.Context, instanceID, waitCheckpointID string) (*Signal, *CustomSignal, error) {
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

func (s *MySQLStore) AckSignal(ctx context.Context, instanceID string) error {
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

func (s *MySQLStore) SendSignal(ctx context.Context, sig *Signal) error {
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
		ON DUPLICATE KEY UPDATE signal_type = VALUES(signal_type), payload = VALUES(payload),
			created_at = VALUES(created_at), acknowledged_at = NULL
	`, sig.InstanceID, sig.SignalType, sig.Payload, sig.CreatedAt)
	if err != nil {
		return fmt.Errorf("send signal: %w", err)
	}
	return nil
}

func (s *MySQLStore) SendCustomSignal(ctx context.Context, cs *CustomSignal) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if cs.CreatedAt.IsZero() {
		cs.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO custom_signals (instance_id, checkpoint_id, payload, created_at)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE payload = VALUES(payload), created_at = VALUES(created_at)
	`, cs.InstanceID, cs.CheckpointID, cs.Payload, cs.CreatedAt)
	if err != nil {
		return fmt.Errorf("send custom signal: %w", err)
	}
	return nil
}

func (s *MySQLStore) ConsumeCustomSignal(ctx context.Context, instanceID, checkpointID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM custom_signals WHERE instance_id = ? AND checkpoint_id = ?`, instanceID, checkpointID)
	if err != nil {
		return fmt.Errorf("consume custom signal: %w", err)
	}
	return nil
}

func (s *MySQLStore) ScheduleWake(ctx context.Context, w *WakeEntry) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wakes (instance_id, checkpoint_id, wake_at, created_at)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE wake_at = VALUES(wake_at)
	`, w.InstanceID, w.CheckpointID, w.WakeAt, w.CreatedAt)
	if err != nil {
		return fmt.Errorf("schedule wake: %w", err)
	}
	return nil
}

func (s *MySQLStore) DueWakes(ctx context.Context, before time.Time, limit int) ([]*WakeEntry, error) {
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

func (s *MySQLStore) DeleteWake(ctx context.Context, instanceID, checkpointID string) error {
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

func (s *MySQLStore) RegisterImage(ctx context.Context, img *Image) (*Image, error) {
	if err := s.checkOpen(); err != nil {
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
		ON DUPLICATE KEY UPDATE image_id = image_id
	`, img.ImageID, img.TenantID, img.Name, img.BinaryPath, img.BundlePath, img.RunnerType, string(metaJSON), img.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("register image: %w", err)
	}
	return s.GetImage(ctx, img.ImageID)
}

func (s *MySQLStore) GetImage(ctx context.Context, imageID string) (*Image, error) {
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

func (s *MySQLStore) ListImages(ctx context.Context, tenantID string) ([]*Image, error) {
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

func (s *MySQLStore) ListUnreferencedImages(ctx context.Context, cutoff time.Time, limit int) ([]*Image, error) {
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

func (s *MySQLStore) DeregisterImage(ctx context.Context, imageID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM images WHERE image_id = ?`, imageID)
	if err != nil {
		return fmt.Errorf("deregister image: %w", err)
	}
	return nil
}

func (s *MySQLStore) SaveContainerRegistration(ctx context.Context, reg *ContainerRegistration) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO containers (instance_id, handle_id, started_at, binary_path, bundle_path, timeout_ns, pid, last_event_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE handle_id = VALUES(handle_id), started_at = VALUES(started_at),
			binary_path = VALUES(binary_path), bundle_path = VALUES(bundle_path), timeout_ns = VALUES(timeout_ns),
			pid = VALUES(pid), last_event_at = VALUES(last_event_at)
	`, reg.InstanceID, reg.HandleID, reg.StartedAt, reg.BinaryPath, reg.BundlePath, reg.Timeout.Nanoseconds(), reg.PID, reg.LastEventAt)
	if err != nil {
		return fmt.Errorf("save container registration: %w", err)
	}
	return nil
}

func (s *MySQLStore) GetContainerRegistration(ctx context.Context, instanceID string) (*ContainerRegistration, error) {
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

func (s *MySQLStore) ListStaleContainers(ctx context.Context, cutoffUnixNano int64) ([]*ContainerRegistration, error) {
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

func (s *MySQLStore) DeleteContainerRegistration(ctx context.Context, instanceID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM containers WHERE instance_id = ?`, instanceID)
	if err != nil {
		return fmt.Errorf("delete container registration: %w", err)
	}
	return nil
}

func (s *MySQLStore) ListTerminalInstances(ctx context.Context, cutoff time.Time, limit int) ([]*Instance, error) {
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
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *MySQLStore) DeleteInstance(ctx context.Context, instanceID string) error {
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

func (s *MySQLStore) InstanceStatus(ctx context.Context, instanceID string) (InstanceStatus, error) {
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
