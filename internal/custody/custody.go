package custody

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// WrongAmountError indicates a deposit that does not exactly match the
// mission's agreed payment amount.
type WrongAmountError struct {
	Want int64
	Got  int64
}

func (e WrongAmountError) Error() string {
	return fmt.Sprintf("deposit of %d does not match required amount %d", e.Got, e.Want)
}

// InsufficientCustodyError indicates a directed payout the held value does
// not cover. This never occurs while invariants hold; the whole operation
// aborts without committing.
type InsufficientCustodyError struct {
	MissionID int64
	Held      int64
	Requested int64
}

func (e InsufficientCustodyError) Error() string {
	return fmt.Sprintf("custody holds %d for mission %d, cannot move %d", e.Held, e.MissionID, e.Requested)
}

const (
	EntryDeposit = "deposit"
	EntryPayout  = "payout"
	EntryRefund  = "refund"
)

// Custodian tracks value held on behalf of each mission through an
// append-only ledger. All movements happen inside the caller's transaction so
// balance changes and status commits are never observably split.
type Custodian struct {
	DB  *sql.DB
	Now func() time.Time
}

func (c Custodian) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c Custodian) append(ctx context.Context, tx *sql.Tx, missionID int64, entry string, amount int64, counterparty string) error {
	ts := c.now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT INTO custody_ledger(mission_id, entry, amount, counterparty, ts) VALUES (?,?,?,?,?)`,
		missionID, entry, amount, counterparty, ts)
	if err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}

// Deposit accepts value into custody for a mission. The deposited amount must
// exactly equal required; any mismatch fails with no ledger entry.
func (c Custodian) Deposit(ctx context.Context, tx *sql.Tx, missionID, amount, required int64, from string) error {
	if amount != required {
		return WrongAmountError{Want: required, Got: amount}
	}
	return c.append(ctx, tx, missionID, EntryDeposit, amount, from)
}

// Payout moves a mission's escrow out of custody to the freelancer.
func (c Custodian) Payout(ctx context.Context, tx *sql.Tx, missionID, amount int64, recipient string) error {
	return c.release(ctx, tx, missionID, EntryPayout, amount, recipient)
}

// Refund moves a mission's escrow out of custody back to the creator.
func (c Custodian) Refund(ctx context.Context, tx *sql.Tx, missionID, amount int64, recipient string) error {
	return c.release(ctx, tx, missionID, EntryRefund, amount, recipient)
}

func (c Custodian) release(ctx context.Context, tx *sql.Tx, missionID int64, entry string, amount int64, recipient string) error {
	held, err := c.heldForTx(ctx, tx, missionID)
	if err != nil {
		return err
	}
	if held < amount {
		return InsufficientCustodyError{MissionID: missionID, Held: held, Requested: amount}
	}
	return c.append(ctx, tx, missionID, entry, amount, recipient)
}

// Held returns the total value currently in custody across all missions.
func (c Custodian) Held(ctx context.Context) (int64, error) {
	var held int64
	err := c.DB.QueryRowContext(ctx, heldQuery).Scan(&held)
	return held, err
}

// HeldFor returns the value currently in custody for one mission.
func (c Custodian) HeldFor(ctx context.Context, missionID int64) (int64, error) {
	var held int64
	err := c.DB.QueryRowContext(ctx, heldForQuery, missionID).Scan(&held)
	return held, err
}

func (c Custodian) heldForTx(ctx context.Context, tx *sql.Tx, missionID int64) (int64, error) {
	var held int64
	err := tx.QueryRowContext(ctx, heldForQuery, missionID).Scan(&held)
	return held, err
}

const heldQuery = `SELECT COALESCE(SUM(CASE WHEN entry='deposit' THEN amount ELSE -amount END), 0) FROM custody_ledger`

const heldForQuery = `SELECT COALESCE(SUM(CASE WHEN entry='deposit' THEN amount ELSE -amount END), 0) FROM custody_ledger WHERE mission_id=?`
