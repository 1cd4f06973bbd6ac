package payment

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mbd888/jobescrow/internal/fees"
	"github.com/mbd888/jobescrow/internal/milestone"
)

// PostgresStore persists payments in PostgreSQL. A payment, its milestones
// and the events of one transition are written in a single transaction.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed payment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, pay *Payment, events []Event) error {
	metadata, err := json.Marshal(pay.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	return p.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO payments (
				id, job_id, employer_id, worker_id, currency, region,
				status, payment_method, gross_amount, platform_fee, payment_fee,
				total_fees, net_amount, released_net, transaction_id, metadata,
				dispute_reason, refund_reason, cancel_reason, resolution, version,
				created_at, updated_at, escrowed_at, disputed_at, released_at,
				refunded_at, cancelled_at
			) VALUES (
				$1, $2, $3, $4, $5, $6,
				$7, $8, $9, $10, $11,
				$12, $13, $14, $15, $16,
				$17, $18, $19, $20, $21,
				$22, $23, $24, $25, $26,
				$27, $28
			)`,
			pay.ID, pay.JobID, pay.EmployerID, pay.WorkerID, pay.Currency, pay.Region,
			string(pay.Status), string(pay.Method), pay.GrossAmount, pay.Fees.PlatformFee, pay.Fees.PaymentFee,
			pay.Fees.TotalFees, pay.NetAmount, pay.ReleasedNet, nullString(pay.TransactionID), metadata,
			nullString(pay.DisputeReason), nullString(pay.RefundReason), nullString(pay.CancelReason), nullString(string(pay.Resolution)), pay.Version,
			pay.CreatedAt, pay.UpdatedAt, nullTime(pay.EscrowedAt), nullTime(pay.DisputedAt), nullTime(pay.ReleasedAt),
			nullTime(pay.RefundedAt), nullTime(pay.CancelledAt),
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicatePayment, pay.ID)
		}
		if err != nil {
			return err
		}

		for i, m := range pay.Milestones {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO payment_milestones (
					payment_id, position, id, title, amount, percentage, net_amount,
					status, due_date, completed_at, approved_at, paid_at
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
				pay.ID, i, m.ID, m.Title, m.Amount, m.Percentage, m.NetAmount,
				string(m.Status), nullTime(m.DueDate), nullTime(m.CompletedAt), nullTime(m.ApprovedAt), nullTime(m.PaidAt),
			)
			if err != nil {
				return fmt.Errorf("insert milestone %d: %w", i, err)
			}
		}
		return insertEvents(ctx, tx, events)
	})
}

const paymentColumns = `id, job_id, employer_id, worker_id, currency, region,
		       status, payment_method, gross_amount, platform_fee, payment_fee,
		       total_fees, net_amount, released_net, transaction_id, metadata,
		       dispute_reason, refund_reason, cancel_reason, resolution, version,
		       created_at, updated_at, escrowed_at, disputed_at, released_at,
		       refunded_at, cancelled_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Payment, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)

	pay, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := p.loadMilestones(ctx, []*Payment{pay}); err != nil {
		return nil, err
	}
	return pay, nil
}

func (p *PostgresStore) Update(ctx context.Context, pay *Payment, expectedVersion int64, events []Event) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE payments SET
				status = $1, released_net = $2, transaction_id = $3,
				dispute_reason = $4, refund_reason = $5, cancel_reason = $6, resolution = $7,
				version = $8, updated_at = $9, escrowed_at = $10, disputed_at = $11,
				released_at = $12, refunded_at = $13, cancelled_at = $14
			WHERE id = $15 AND version = $16`,
			string(pay.Status), pay.ReleasedNet, nullString(pay.TransactionID),
			nullString(pay.DisputeReason), nullString(pay.RefundReason), nullString(pay.CancelReason), nullString(string(pay.Resolution)),
			pay.Version, pay.UpdatedAt, nullTime(pay.EscrowedAt), nullTime(pay.DisputedAt),
			nullTime(pay.ReleasedAt), nullTime(pay.RefundedAt), nullTime(pay.CancelledAt),
			pay.ID, expectedVersion,
		)
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			var actual int64
			err := tx.QueryRowContext(ctx, `SELECT version FROM payments WHERE id = $1`, pay.ID).Scan(&actual)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrPaymentNotFound
			}
			if err != nil {
				return err
			}
			return &ConcurrentModificationError{PaymentID: pay.ID, ExpectedVersion: expectedVersion, ActualVersion: actual}
		}

		for i, m := range pay.Milestones {
			_, err := tx.ExecContext(ctx, `
				UPDATE payment_milestones SET
					status = $1, completed_at = $2, approved_at = $3, paid_at = $4
				WHERE payment_id = $5 AND position = $6`,
				string(m.Status), nullTime(m.CompletedAt), nullTime(m.ApprovedAt), nullTime(m.PaidAt),
				pay.ID, i,
			)
			if err != nil {
				return fmt.Errorf("update milestone %d: %w", i, err)
			}
		}
		return insertEvents(ctx, tx, events)
	})
}

func (p *PostgresStore) ListByParty(ctx context.Context, partyID string, role Role, limit int) ([]*Payment, error) {
	column := "worker_id"
	if role == RoleEmployer {
		column = "employer_id"
	}
	// column is one of two constants, never user input.
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE `+column+` = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, partyID, limit) // #nosec G202
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return p.scanWithMilestones(ctx, rows)
}

func (p *PostgresStore) List(ctx context.Context, limit int) ([]*Payment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		ORDER BY created_at DESC, id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return p.scanWithMilestones(ctx, rows)
}

func (p *PostgresStore) ListEvents(ctx context.Context, paymentID string) ([]Event, error) {
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM payments WHERE id = $1)`, paymentID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrPaymentNotFound
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT e.id, e.event_type, e.milestone_id, e.amount, e.status, e.version,
		       e.notification, e.occurred_at,
		       p.job_id, p.employer_id, p.worker_id, p.currency
		FROM payment_events e
		JOIN payments p ON p.id = e.payment_id
		WHERE e.payment_id = $1
		ORDER BY e.seq`, paymentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []Event
	for rows.Next() {
		var (
			e            Event
			eventType    string
			status       string
			milestoneID  sql.NullString
			notification sql.NullString
		)
		if err := rows.Scan(&e.ID, &eventType, &milestoneID, &e.Amount, &status, &e.Version,
			&notification, &e.Timestamp,
			&e.JobID, &e.EmployerID, &e.WorkerID, &e.Currency); err != nil {
			return nil, err
		}
		e.PaymentID = paymentID
		e.Type = EventType(eventType)
		e.Status = Status(status)
		e.MilestoneID = milestoneID.String
		e.Notification = Notification(notification.String)
		result = append(result, e)
	}
	return result, rows.Err()
}

func (p *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func insertEvents(ctx context.Context, tx *sql.Tx, events []Event) error {
	for _, e := range events {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO payment_events (
				id, payment_id, event_type, milestone_id, amount, status,
				version, notification, occurred_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			e.ID, e.PaymentID, string(e.Type), nullString(e.MilestoneID), e.Amount, string(e.Status),
			e.Version, nullString(string(e.Notification)), e.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("insert event %s: %w", e.Type, err)
		}
	}
	return nil
}

func (p *PostgresStore) scanWithMilestones(ctx context.Context, rows *sql.Rows) ([]*Payment, error) {
	var result []*Payment
	for rows.Next() {
		pay, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, pay)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := p.loadMilestones(ctx, result); err != nil {
		return nil, err
	}
	return result, nil
}

// loadMilestones fills Milestones for every payment in one query.
func (p *PostgresStore) loadMilestones(ctx context.Context, payments []*Payment) error {
	if len(payments) == 0 {
		return nil
	}
	byID := make(map[string]*Payment, len(payments))
	ids := make([]string, 0, len(payments))
	for _, pay := range payments {
		byID[pay.ID] = pay
		ids = append(ids, pay.ID)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT payment_id, id, title, amount, percentage, net_amount, status,
		       due_date, completed_at, approved_at, paid_at
		FROM payment_milestones
		WHERE payment_id = ANY($1)
		ORDER BY payment_id, position`, pq.Array(ids))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			paymentID                                string
			m                                        milestone.Milestone
			status                                   string
			dueDate, completedAt, approvedAt, paidAt sql.NullTime
		)
		if err := rows.Scan(&paymentID, &m.ID, &m.Title, &m.Amount, &m.Percentage, &m.NetAmount, &status,
			&dueDate, &completedAt, &approvedAt, &paidAt); err != nil {
			return err
		}
		m.Status = milestone.Status(status)
		m.DueDate = timePtr(dueDate)
		m.CompletedAt = timePtr(completedAt)
		m.ApprovedAt = timePtr(approvedAt)
		m.PaidAt = timePtr(paidAt)
		if pay, ok := byID[paymentID]; ok {
			pay.Milestones = append(pay.Milestones, m)
		}
	}
	return rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPayment(s scanner) (*Payment, error) {
	pay := &Payment{}
	var (
		status, method                                     string
		txID, disputeRsn, refundRsn, cancelRsn, resolution sql.NullString
		metadata                                           []byte
		escrowedAt, disputedAt, releasedAt                 sql.NullTime
		refundedAt, cancelledAt                            sql.NullTime
	)

	err := s.Scan(
		&pay.ID, &pay.JobID, &pay.EmployerID, &pay.WorkerID, &pay.Currency, &pay.Region,
		&status, &method, &pay.GrossAmount, &pay.Fees.PlatformFee, &pay.Fees.PaymentFee,
		&pay.Fees.TotalFees, &pay.NetAmount, &pay.ReleasedNet, &txID, &metadata,
		&disputeRsn, &refundRsn, &cancelRsn, &resolution, &pay.Version,
		&pay.CreatedAt, &pay.UpdatedAt, &escrowedAt, &disputedAt, &releasedAt,
		&refundedAt, &cancelledAt,
	)
	if err != nil {
		return nil, err
	}

	pay.Status = Status(status)
	pay.Method = fees.Method(method)
	pay.TransactionID = txID.String
	pay.DisputeReason = disputeRsn.String
	pay.RefundReason = refundRsn.String
	pay.CancelReason = cancelRsn.String
	pay.Resolution = Outcome(resolution.String)
	pay.EscrowedAt = timePtr(escrowedAt)
	pay.DisputedAt = timePtr(disputedAt)
	pay.ReleasedAt = timePtr(releasedAt)
	pay.RefundedAt = timePtr(refundedAt)
	pay.CancelledAt = timePtr(cancelledAt)
	if pay.Metadata, err = decodeMetadata(metadata); err != nil {
		return nil, fmt.Errorf("payment %s: %w", pay.ID, err)
	}
	return pay, nil
}

// decodeMetadata parses the metadata column. An empty column is zero metadata.
func decodeMetadata(raw []byte) (Metadata, error) {
	var md Metadata
	if len(raw) == 0 {
		return md, nil
	}
	if err := json.Unmarshal(raw, &md); err != nil {
		return Metadata{}, fmt.Errorf("decode metadata: %w", err)
	}
	return md, nil
}

// isUniqueViolation reports a Postgres unique_violation (23505).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// Compile-time assertions that both stores implement Store.
var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
