package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/ticket-issuance/internal/domain"
)

const ticketColumns = `id, order_id, ticket_type_id, code, issued_at, usage_status, used_at`

func scanTicket(row pgx.Row) (*domain.Ticket, error) {
	var t domain.Ticket
	err := row.Scan(&t.ID, &t.OrderID, &t.TicketTypeID, &t.Code, &t.IssuedAt, &t.UsageStatus, &t.UsedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &t, nil
}

// ReplaceTickets drops the current tickets of an order and inserts tickets in
// their place. The order row is locked and must be SEND_ERROR: a SENT order
// fails with domain.ErrAlreadyIssued, a PENDING one with domain.ErrConflict.
// A code already held by any ticket fails with domain.ErrConflict and leaves
// the previous set untouched.
func (r *Repository) ReplaceTickets(ctx context.Context, orderID uuid.UUID, tickets []domain.Ticket) error {
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		var status domain.DispatchStatus
		err := tx.QueryRow(ctx, `SELECT dispatch_status FROM orders WHERE id = $1 FOR UPDATE`, orderID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return errors.Wrapf(domain.ErrNotFound, "order %s", orderID)
		}
		if err != nil {
			return err
		}
		switch status {
		case domain.DispatchSendError:
		case domain.DispatchSent:
			return errors.Wrapf(domain.ErrAlreadyIssued, "order %s", orderID)
		default:
			return errors.Wrapf(domain.ErrConflict, "order %s has no committed stock", orderID)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM tickets WHERE order_id = $1`, orderID); err != nil {
			return err
		}
		b := &pgx.Batch{}
		for _, t := range tickets {
			b.Queue(`
				INSERT INTO tickets (id, order_id, ticket_type_id, code, issued_at, usage_status, used_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
			`, t.ID, orderID, t.TicketTypeID, t.Code, t.IssuedAt, string(t.UsageStatus), t.UsedAt)
		}
		return tx.SendBatch(ctx, b).Close()
	})
}

func (r *Repository) ListTickets(ctx context.Context, orderID uuid.UUID) ([]domain.Ticket, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE order_id = $1 ORDER BY code`, orderID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	out := []domain.Ticket{}
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, mapErr(rows.Err())
}

func (r *Repository) GetTicketByCode(ctx context.Context, code string) (*domain.Ticket, error) {
	t, err := scanTicket(r.pool.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE code = $1`, code))
	return t, errors.Wrapf(err, "ticket code %s", code)
}

// TransitionTicket is a compare-and-swap on usage_status. It reports false
// when the ticket is no longer in from; the winning transition queues a
// domain event in the same transaction.
func (r *Repository) TransitionTicket(ctx context.Context, ticketID uuid.UUID, from, to domain.UsageStatus, at time.Time) (bool, error) {
	var usedAt *time.Time
	if to == domain.UsageUsed {
		usedAt = &at
	}
	swapped := false
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		swapped = false
		t, err := scanTicket(tx.QueryRow(ctx, `
			UPDATE tickets SET usage_status = $3, used_at = COALESCE($4, used_at)
			WHERE id = $1 AND usage_status = $2
			RETURNING `+ticketColumns, ticketID, string(from), string(to), usedAt))
		if errors.Is(err, domain.ErrNotFound) {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tickets WHERE id = $1)`, ticketID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return errors.Wrapf(domain.ErrNotFound, "ticket %s", ticketID)
			}
			return nil
		}
		if err != nil {
			return err
		}
		swapped = true
		eventType := EventTicketRedeemed
		if to == domain.UsageVoid {
			eventType = EventTicketVoided
		}
		payload := map[string]interface{}{
			"ticket_id":      t.ID,
			"order_id":       t.OrderID,
			"ticket_type_id": t.TicketTypeID,
			"code":           t.Code,
			"usage_status":   t.UsageStatus,
		}
		if t.UsedAt != nil {
			payload["used_at"] = t.UsedAt.UTC().Format(time.RFC3339Nano)
		}
		return r.InsertOutbox(ctx, tx, newRecord("ticket", t.ID, eventType, payload))
	})
	return swapped, err
}
