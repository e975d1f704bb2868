package custody_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"escrowline/internal/custody"
	"escrowline/internal/db"
	"escrowline/internal/migrate"
)

func newCustodian(t *testing.T) (custody.Custodian, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	c := custody.Custodian{
		DB:  conn,
		Now: func() time.Time { return time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC) },
	}
	return c, conn
}

// seedMission satisfies the ledger's foreign key.
func seedMission(t *testing.T, conn *sql.DB, id int64) {
	t.Helper()
	_, err := conn.Exec(`INSERT INTO missions(id, creator, title, payment_amount, delivery_deadline, validation_period, status, created_at, updated_at)
VALUES (?,?,?,?,?,?,?,?,?)`, id, "alice", "seed", 1000, 1767355200, 3600, "created", "2026-01-02T12:00:00Z", "2026-01-02T12:00:00Z")
	if err != nil {
		t.Fatalf("seed mission: %v", err)
	}
}

func inTx(t *testing.T, conn *sql.DB, fn func(tx *sql.Tx) error) error {
	t.Helper()
	tx, err := conn.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return nil
}

func TestDepositAndRelease(t *testing.T) {
	c, conn := newCustodian(t)
	ctx := context.Background()
	seedMission(t, conn, 1)

	err := inTx(t, conn, func(tx *sql.Tx) error {
		return c.Deposit(ctx, tx, 1, 500, 500, "alice")
	})
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	held, err := c.HeldFor(ctx, 1)
	if err != nil || held != 500 {
		t.Fatalf("held %d: %v", held, err)
	}

	err = inTx(t, conn, func(tx *sql.Tx) error {
		return c.Payout(ctx, tx, 1, 500, "bob")
	})
	if err != nil {
		t.Fatalf("payout: %v", err)
	}
	held, _ = c.HeldFor(ctx, 1)
	if held != 0 {
		t.Fatalf("held after payout %d", held)
	}
	total, err := c.Held(ctx)
	if err != nil || total != 0 {
		t.Fatalf("total held %d: %v", total, err)
	}
}

func TestDepositMismatchFails(t *testing.T) {
	c, conn := newCustodian(t)
	ctx := context.Background()
	seedMission(t, conn, 1)

	err := inTx(t, conn, func(tx *sql.Tx) error {
		return c.Deposit(ctx, tx, 1, 499, 500, "alice")
	})
	var wrongAmount custody.WrongAmountError
	if !errors.As(err, &wrongAmount) {
		t.Fatalf("expected WrongAmountError, got %v", err)
	}
	held, _ := c.HeldFor(ctx, 1)
	if held != 0 {
		t.Fatalf("failed deposit must leave no entry, held %d", held)
	}
}

func TestReleaseBeyondHeldFails(t *testing.T) {
	c, conn := newCustodian(t)
	ctx := context.Background()
	seedMission(t, conn, 1)

	if err := inTx(t, conn, func(tx *sql.Tx) error {
		return c.Deposit(ctx, tx, 1, 300, 300, "alice")
	}); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	err := inTx(t, conn, func(tx *sql.Tx) error {
		return c.Refund(ctx, tx, 1, 301, "alice")
	})
	var insufficient custody.InsufficientCustodyError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientCustodyError, got %v", err)
	}
	if insufficient.Held != 300 || insufficient.Requested != 301 {
		t.Fatalf("unexpected error fields: %+v", insufficient)
	}
	held, _ := c.HeldFor(ctx, 1)
	if held != 300 {
		t.Fatalf("failed release must leave balance intact, held %d", held)
	}
}

func TestHeldIsPerMission(t *testing.T) {
	c, conn := newCustodian(t)
	ctx := context.Background()
	seedMission(t, conn, 1)
	seedMission(t, conn, 2)

	if err := inTx(t, conn, func(tx *sql.Tx) error {
		if err := c.Deposit(ctx, tx, 1, 100, 100, "alice"); err != nil {
			return err
		}
		return c.Deposit(ctx, tx, 2, 250, 250, "carol")
	}); err != nil {
		t.Fatalf("deposits: %v", err)
	}

	// one mission's escrow can never cover another's payout
	err := inTx(t, conn, func(tx *sql.Tx) error {
		return c.Payout(ctx, tx, 1, 250, "bob")
	})
	var insufficient custody.InsufficientCustodyError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientCustodyError, got %v", err)
	}

	total, _ := c.Held(ctx)
	if total != 350 {
		t.Fatalf("total held %d, want 350", total)
	}
}
