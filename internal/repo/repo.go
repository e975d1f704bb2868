package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"escrowline/internal/domain"
)

// Repo is the mission store. Missions are created once, mutated only through
// engine commits and never deleted.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const missionColumns = `id, creator, freelancer, title, COALESCE(description,'') AS description,
COALESCE(rejection_message,'') AS rejection_message, payment_amount, escrowed_amount,
delivery_deadline, validation_period, delivered_at, validation_deadline,
arbiter_enabled, cancellation_type, status, created_at, updated_at`

func scanMission(row *sql.Row) (domain.Mission, error) {
	var m domain.Mission
	var freelancer sql.NullString
	err := row.Scan(&m.ID, &m.Creator, &freelancer, &m.Title, &m.Description,
		&m.RejectionMessage, &m.PaymentAmount, &m.EscrowedAmount,
		&m.DeliveryDeadline, &m.ValidationPeriod, &m.DeliveredAt, &m.ValidationDeadline,
		&m.ArbiterEnabled, &m.CancellationType, &m.Status, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if freelancer.Valid {
		m.Freelancer = &freelancer.String
	}
	return m, err
}

// InsertMissionTx creates a mission row and returns the assigned sequential id.
func (r Repo) InsertMissionTx(ctx context.Context, tx *sql.Tx, m domain.Mission) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO missions(
creator, title, description, rejection_message, payment_amount, escrowed_amount,
delivery_deadline, validation_period, delivered_at, validation_deadline,
arbiter_enabled, cancellation_type, status, created_at, updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.Creator, m.Title, nullable(m.Description), nullable(m.RejectionMessage),
		m.PaymentAmount, m.EscrowedAmount, m.DeliveryDeadline, m.ValidationPeriod,
		m.DeliveredAt, m.ValidationDeadline, m.ArbiterEnabled, m.CancellationType,
		m.Status, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetMission(ctx context.Context, id int64) (domain.Mission, error) {
	return scanMission(r.DB.QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE id=?`, id))
}

// GetMissionTx reads a mission inside an open transaction.
func (r Repo) GetMissionTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Mission, error) {
	return scanMission(tx.QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE id=?`, id))
}

func (r Repo) CountMissions(ctx context.Context) (int64, error) {
	var n int64
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM missions`).Scan(&n)
	return n, err
}

// SumEscrowed returns the total escrowed amount across all missions. It must
// always equal the custodian's held value.
func (r Repo) SumEscrowed(ctx context.Context) (int64, error) {
	var n int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(SUM(escrowed_amount), 0) FROM missions`).Scan(&n)
	return n, err
}

func (r Repo) CountMissionsByStatus(ctx context.Context) (map[domain.Status]int64, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM missions GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[domain.Status]int64{}
	for rows.Next() {
		var s domain.Status
		var n int64
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		counts[s] = n
	}
	return counts, rows.Err()
}

// ListMissions returns missions newest first, optionally filtered by status
// and keyset-paged by the id cursor (0 means from the top).
func (r Repo) ListMissions(ctx context.Context, status domain.Status, limit int, cursorID int64) ([]domain.Mission, error) {
	clauses := []string{"1=1"}
	args := []any{}
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	if cursorID > 0 {
		clauses = append(clauses, "id < ?")
		args = append(args, cursorID)
	}
	query := `SELECT ` + missionColumns + ` FROM missions WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Mission
	for rows.Next() {
		var m domain.Mission
		var freelancer sql.NullString
		if err := rows.Scan(&m.ID, &m.Creator, &freelancer, &m.Title, &m.Description,
			&m.RejectionMessage, &m.PaymentAmount, &m.EscrowedAmount,
			&m.DeliveryDeadline, &m.ValidationPeriod, &m.DeliveredAt, &m.ValidationDeadline,
			&m.ArbiterEnabled, &m.CancellationType, &m.Status, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		if freelancer.Valid {
			m.Freelancer = &freelancer.String
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// CommitMissionTx writes the mutable fields of m guarded on the status the
// caller validated against. Zero rows affected means another call committed
// first; the caller must fail without side effects.
func (r Repo) CommitMissionTx(ctx context.Context, tx *sql.Tx, m domain.Mission, from domain.Status) error {
	res, err := tx.ExecContext(ctx, `UPDATE missions SET
freelancer=?, rejection_message=?, escrowed_amount=?, delivery_deadline=?,
delivered_at=?, validation_deadline=?, status=?, updated_at=?
WHERE id=? AND status=?`,
		nullableptr(m.Freelancer), nullable(m.RejectionMessage), m.EscrowedAmount,
		m.DeliveryDeadline, m.DeliveredAt, m.ValidationDeadline, m.Status, m.UpdatedAt,
		m.ID, from)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTransitions returns the change records for one mission, oldest first.
func (r Repo) ListTransitions(ctx context.Context, missionID int64) ([]domain.Transition, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, ts, mission_id, action, from_status, to_status, actor_id, amount_moved, payload_json
FROM transitions WHERE mission_id=? ORDER BY id ASC`, missionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransitions(rows)
}

// TransitionsAfter returns up to limit change records with id > cursor, oldest
// first. Used by the webhook dispatcher and log tailing.
func (r Repo) TransitionsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Transition, error) {
	query := `SELECT id, ts, mission_id, action, from_status, to_status, actor_id, amount_moved, payload_json
FROM transitions WHERE id > ? ORDER BY id ASC`
	args := []any{cursor}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransitions(rows)
}

func collectTransitions(rows *sql.Rows) ([]domain.Transition, error) {
	var res []domain.Transition
	for rows.Next() {
		var t domain.Transition
		if err := rows.Scan(&t.ID, &t.TS, &t.MissionID, &t.Action, &t.FromStatus, &t.ToStatus, &t.ActorID, &t.AmountMoved, &t.Payload); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListLedger returns the custody entries for one mission, oldest first.
func (r Repo) ListLedger(ctx context.Context, missionID int64) ([]domain.LedgerEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, mission_id, entry, amount, counterparty, ts
FROM custody_ledger WHERE mission_id=? ORDER BY id ASC`, missionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		if err := rows.Scan(&e.ID, &e.MissionID, &e.Entry, &e.Amount, &e.Counterparty, &e.TS); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableptr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
