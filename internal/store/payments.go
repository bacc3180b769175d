package store

import (
	"context"
	"fmt"

	"github.com/PortNumber53/gymhub/backend/internal/models"
)

// SavePayment inserts a payment history record. Redelivered invoices update the
// existing row instead of duplicating it.
func (s *Store) SavePayment(ctx context.Context, payment *models.PaymentHistory) error {
	err := s.db.QueryRowContext(ctx, `
INSERT INTO payment_history (
	user_id, membership_id, stripe_customer_id, stripe_invoice_id,
	amount, currency, status, description, receipt_url
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (stripe_invoice_id) DO UPDATE SET
	status = EXCLUDED.status,
	amount = EXCLUDED.amount,
	receipt_url = COALESCE(EXCLUDED.receipt_url, payment_history.receipt_url)
RETURNING id, created_at`,
		payment.UserID,
		payment.MembershipID,
		payment.StripeCustomerID,
		payment.StripeInvoiceID,
		payment.Amount,
		payment.Currency,
		payment.Status,
		payment.Description,
		payment.ReceiptURL,
	).Scan(&payment.ID, &payment.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: save payment: %w", err)
	}

	return nil
}

// GetPaymentHistory retrieves the most recent payments for a user.
func (s *Store) GetPaymentHistory(ctx context.Context, userID int64) ([]models.PaymentHistory, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT
	id, user_id, membership_id, stripe_customer_id, stripe_invoice_id,
	amount, currency, status, description, receipt_url, created_at
FROM payment_history
WHERE user_id = $1
ORDER BY created_at DESC
LIMIT 100
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: get payment history: %w", err)
	}
	defer rows.Close()

	var payments []models.PaymentHistory
	for rows.Next() {
		var p models.PaymentHistory
		if err := rows.Scan(
			&p.ID,
			&p.UserID,
			&p.MembershipID,
			&p.StripeCustomerID,
			&p.StripeInvoiceID,
			&p.Amount,
			&p.Currency,
			&p.Status,
			&p.Description,
			&p.ReceiptURL,
			&p.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("store: scan payment: %w", err)
		}
		payments = append(payments, p)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate payments: %w", err)
	}

	return payments, nil
}
