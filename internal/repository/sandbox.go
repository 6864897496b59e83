package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/course-enrollment/internal/model"
)

// CreateSandboxPayment сохраняет платёж тестового шлюза.
func (r *PostgresRepository) CreateSandboxPayment(ctx context.Context, p model.SandboxPayment) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO gateway_sandbox_payments (authority, amount, description, callback_url, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		p.Authority, p.Amount, p.Description, p.CallbackURL, p.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: sandbox authority %s", model.ErrConflict, p.Authority)
		}
		return fmt.Errorf("insert sandbox payment: %w", err)
	}
	return nil
}

// GetSandboxPayment возвращает платёж тестового шлюза по токену.
func (r *PostgresRepository) GetSandboxPayment(ctx context.Context, authority string) (*model.SandboxPayment, error) {
	var (
		p     model.SandboxPayment
		refID *string
	)
	err := r.pool.QueryRow(ctx,
		`SELECT authority, amount, description, callback_url, paid, ref_id, created_at, paid_at
		 FROM gateway_sandbox_payments WHERE authority = $1`,
		authority,
	).Scan(&p.Authority, &p.Amount, &p.Description, &p.CallbackURL, &p.Paid, &refID, &p.CreatedAt, &p.PaidAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: sandbox authority %s", model.ErrNotFound, authority)
		}
		return nil, fmt.Errorf("get sandbox payment: %w", err)
	}
	if refID != nil {
		p.RefID = *refID
	}
	return &p, nil
}

// MarkSandboxPaymentPaid отмечает платёж оплаченным. Повторный вызов возвращает уже выданный refID.
func (r *PostgresRepository) MarkSandboxPaymentPaid(ctx context.Context, authority, refID string, paidAt time.Time) (string, error) {
	var stored string
	err := r.pool.QueryRow(ctx,
		`UPDATE gateway_sandbox_payments
		 SET paid = TRUE, ref_id = COALESCE(ref_id, $2), paid_at = COALESCE(paid_at, $3)
		 WHERE authority = $1
		 RETURNING ref_id`,
		authority, refID, paidAt,
	).Scan(&stored)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("%w: sandbox authority %s", model.ErrNotFound, authority)
		}
		return "", fmt.Errorf("mark sandbox payment paid: %w", err)
	}
	return stored, nil
}
