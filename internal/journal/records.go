package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sigreer/zfcpgod/internal/zfcp"
)

// Operation is a logged engine operation
type Operation struct {
	ID       int64
	Op       string
	Path     zfcp.Path
	Result   string
	Reason   string
	Duration time.Duration
	Time     time.Time
}

// EventRecord is a logged change event
type EventRecord struct {
	ID     int64
	UUID   string
	Kind   zfcp.Kind
	Action zfcp.Action
	Path   zfcp.Path
	State  zfcp.State
	Device string
	Time   time.Time
}

// Operation results
const (
	ResultOK     = "ok"
	ResultFailed = "failed"
)

// RecordOperation stores an operation outcome. Activation failures keep the
// hardware's reason string.
func (j *Journal) RecordOperation(op string, p zfcp.Path, took time.Duration, opErr error) error {
	result, reason := ResultOK, ""
	if opErr != nil {
		result, reason = ResultFailed, opErr.Error()
		var aerr *zfcp.ActivationError
		if errors.As(opErr, &aerr) {
			reason = aerr.Reason
		}
	}

	_, err := j.conn.Exec(`
		INSERT INTO operations (op, controller, wwpn, lun, result, reason, duration_ns, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, op, p.Controller, p.WWPN, p.LUN, result, reason, took.Nanoseconds(), j.now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record operation: %w", err)
	}
	return nil
}

// RecordEvent stores a delivered change event. Recording the same event
// twice is a no-op.
func (j *Journal) RecordEvent(ev zfcp.Event) error {
	p := ev.Path()
	var state zfcp.State
	var device string
	switch {
	case ev.Disk != nil:
		state, device = ev.Disk.State, ev.Disk.Name
	case ev.Controller != nil:
		state = ev.Controller.State
	}

	ts := ev.Time
	if ts.IsZero() {
		ts = j.now()
	}

	_, err := j.conn.Exec(`
		INSERT INTO events (uuid, kind, action, controller, wwpn, lun, state, device, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO NOTHING
	`, ev.ID, string(ev.Kind), string(ev.Action), p.Controller, p.WWPN, p.LUN, string(state), device, ts.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// Operation implements zfcp.Recorder. Write failures are logged, never
// returned to the engine.
func (j *Journal) Operation(op string, p zfcp.Path, took time.Duration, err error) {
	if rerr := j.RecordOperation(op, p, took, err); rerr != nil {
		j.log.Warn().Err(rerr).Str("op", op).Msg("journal write failed")
	}
}

// Event implements zfcp.Recorder.
func (j *Journal) Event(ev zfcp.Event) {
	if err := j.RecordEvent(ev); err != nil {
		j.log.Warn().Err(err).Str("event", ev.ID).Msg("journal write failed")
	}
}

// RecentOperations returns the most recent operations, newest first
func (j *Journal) RecentOperations(limit int) ([]*Operation, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := j.conn.Query(`
		SELECT id, op, controller, wwpn, lun, result, reason, duration_ns, ts
		FROM operations
		ORDER BY ts DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}
	defer rows.Close()

	var ops []*Operation
	for rows.Next() {
		var o Operation
		var controller, wwpn, lun, reason sql.NullString
		var durationNs, ts int64
		if err := rows.Scan(&o.ID, &o.Op, &controller, &wwpn, &lun, &o.Result, &reason, &durationNs, &ts); err != nil {
			return nil, err
		}
		o.Path = zfcp.DiskPath(controller.String, wwpn.String, lun.String)
		o.Reason = reason.String
		o.Duration = time.Duration(durationNs)
		o.Time = time.Unix(0, ts)
		ops = append(ops, &o)
	}
	return ops, rows.Err()
}

// RecentEvents returns the most recent events, newest first
func (j *Journal) RecentEvents(limit int) ([]*EventRecord, error) {
	return j.queryEvents("", limit)
}

// EventsByKind returns the most recent events of one kind
func (j *Journal) EventsByKind(kind zfcp.Kind, limit int) ([]*EventRecord, error) {
	return j.queryEvents(kind, limit)
}

func (j *Journal) queryEvents(kind zfcp.Kind, limit int) ([]*EventRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := j.conn.Query(`
		SELECT id, uuid, kind, action, controller, wwpn, lun, state, device, ts
		FROM events
		WHERE ? = '' OR kind = ?
		ORDER BY ts DESC, id DESC
		LIMIT ?
	`, string(kind), string(kind), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*EventRecord
	for rows.Next() {
		var e EventRecord
		var kindStr, action string
		var controller, wwpn, lun, state, device sql.NullString
		var ts int64
		if err := rows.Scan(&e.ID, &e.UUID, &kindStr, &action, &controller, &wwpn, &lun, &state, &device, &ts); err != nil {
			return nil, err
		}
		e.Kind = zfcp.Kind(kindStr)
		e.Action = zfcp.Action(action)
		e.Path = zfcp.DiskPath(controller.String, wwpn.String, lun.String)
		e.State = zfcp.State(state.String)
		e.Device = device.String
		e.Time = time.Unix(0, ts)
		events = append(events, &e)
	}
	return events, rows.Err()
}

// Prune deletes operations and events older than the cutoff
func (j *Journal) Prune(before time.Time) (int64, error) {
	var total int64
	for _, table := range []string{"operations", "events"} {
		res, err := j.conn.Exec("DELETE FROM "+table+" WHERE ts < ?", before.UnixNano())
		if err != nil {
			return total, fmt.Errorf("failed to prune %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}
