package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/hammerpath/avatarcast/internal/models"
)

// Credit ledger. The balance is the one resource needing serialized mutation
// per user, so every debit is a single conditional UPDATE — two concurrent
// submissions can never under-subtract.

var ErrInsufficientCredits = fmt.Errorf("insufficient credits")

func (db *DB) GetCreditBalance(ctx context.Context, userID uuid.UUID) (int, error) {
	var balance int
	err := db.QueryRowContext(ctx,
		`SELECT balance FROM user_credits WHERE user_id = $1`, userID,
	).Scan(&balance)

	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get credit balance: %w", err)
	}
	return balance, nil
}

// ReserveCredits creates the reservation row for a generation at submission
// time. The balance check happens here; the debit happens at completion. A
// second reservation for the same generation id (operator retry) is a no-op.
// The balance row is locked for the check, and open reservations count
// against it, so concurrent submissions cannot all pass on the same credits.
func (db *DB) ReserveCredits(ctx context.Context, generationID, userID uuid.UUID, amount int) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin reserve tx: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM credit_reservations WHERE generation_id = $1)`,
		generationID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check reservation: %w", err)
	}
	if exists {
		// Re-submission of a known generation keeps its original reservation.
		return nil
	}

	var balance int
	err = tx.QueryRowContext(ctx,
		`SELECT balance FROM user_credits WHERE user_id = $1 FOR UPDATE`, userID,
	).Scan(&balance)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to get credit balance: %w", err)
	}

	var open int
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM credit_reservations
		WHERE user_id = $1 AND status = 'reserved'
	`, userID).Scan(&open); err != nil {
		return fmt.Errorf("failed to sum open reservations: %w", err)
	}
	if balance-open < amount {
		return ErrInsufficientCredits
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_reservations (generation_id, user_id, amount, status)
		VALUES ($1, $2, $3, 'reserved')
	`, generationID, userID, amount); err != nil {
		return fmt.Errorf("failed to reserve credits: %w", err)
	}
	return tx.Commit()
}

// ChargeReservation finalizes a reservation: flips it to charged and debits
// the user's balance in one transaction. Keyed by generation id, so a retried
// completion signal charges at most once — the status guard on the reservation
// row makes the second call a no-op.
func (db *DB) ChargeReservation(ctx context.Context, generationID uuid.UUID) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin charge tx: %w", err)
	}
	defer tx.Rollback()

	var userID uuid.UUID
	var amount int
	err = tx.QueryRowContext(ctx, `
		UPDATE credit_reservations
		SET status = 'charged', charged_at = NOW()
		WHERE generation_id = $1 AND status = 'reserved'
		RETURNING user_id, amount
	`, generationID).Scan(&userID, &amount)

	if err == sql.ErrNoRows {
		// Already charged, or never reserved. Either way there is nothing to do.
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to claim reservation: %w", err)
	}

	// Atomic read-modify-write; the balance may legitimately go negative here
	// because the video is already delivered (charge-after-render trade-off).
	if _, err := tx.ExecContext(ctx, `
		UPDATE user_credits
		SET balance = balance - $2, updated_at = NOW()
		WHERE user_id = $1
	`, userID, amount); err != nil {
		return fmt.Errorf("failed to debit balance: %w", err)
	}

	return tx.Commit()
}

func (db *DB) GetReservation(ctx context.Context, generationID uuid.UUID) (*models.CreditReservation, error) {
	r := &models.CreditReservation{}
	err := db.QueryRowContext(ctx, `
		SELECT generation_id, user_id, amount, status, created_at, charged_at
		FROM credit_reservations
		WHERE generation_id = $1
	`, generationID).Scan(&r.GenerationID, &r.UserID, &r.Amount, &r.Status, &r.CreatedAt, &r.ChargedAt)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("reservation not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}
	return r, nil
}

// AddCredits tops up a user's balance (purchase webhook or admin grant).
func (db *DB) AddCredits(ctx context.Context, userID uuid.UUID, amount int) error {
	query := `
		INSERT INTO user_credits (user_id, balance)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE
		SET balance = user_credits.balance + EXCLUDED.balance, updated_at = NOW()
	`
	_, err := db.ExecContext(ctx, query, userID, amount)
	if err != nil {
		return fmt.Errorf("failed to add credits: %w", err)
	}
	return nil
}
