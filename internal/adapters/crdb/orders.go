package crdb

import (
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/ticket-issuance/internal/domain"
)

const orderColumns = `id, ticket_type_id, holder_name, holder_email, quantity, created_at, dispatch_status`

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var o domain.Order
	err := row.Scan(&o.ID, &o.TicketTypeID, &o.HolderName, &o.HolderEmail, &o.Quantity, &o.CreatedAt, &o.DispatchStatus)
	if err != nil {
		return nil, mapErr(err)
	}
	return &o, nil
}

// CreateOrders inserts all orders or none. An unknown ticket type maps to
// domain.ErrNotFound.
func (r *Repository) CreateOrders(ctx context.Context, orders []domain.Order) error {
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		b := &pgx.Batch{}
		for _, o := range orders {
			b.Queue(`
				INSERT INTO orders (id, ticket_type_id, holder_name, holder_email, quantity, created_at, dispatch_status)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
			`, o.ID, o.TicketTypeID, o.HolderName, o.HolderEmail, o.Quantity, o.CreatedAt, string(o.DispatchStatus))
		}
		return tx.SendBatch(ctx, b).Close()
	})
}

func (r *Repository) GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	return o, errors.Wrapf(err, "order %s", id)
}

func (r *Repository) ListOrders(ctx context.Context, f domain.OrderFilter) ([]domain.Order, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + orderColumns + ` FROM orders WHERE ticket_type_id = $1`)
	args := []interface{}{f.TicketTypeID}

	if len(f.Statuses) > 0 {
		statuses := make([]string, 0, len(f.Statuses))
		for _, s := range f.Statuses {
			statuses = append(statuses, string(s))
		}
		args = append(args, statuses)
		fmt.Fprintf(&sb, ` AND dispatch_status = ANY($%d)`, len(args))
	}
	if term := strings.TrimSpace(f.Term); term != "" {
		args = append(args, likePattern(term))
		fmt.Fprintf(&sb, ` AND (holder_name ILIKE $%d OR holder_email ILIKE $%d)`, len(args), len(args))
	}
	if f.Ascending {
		sb.WriteString(` ORDER BY created_at ASC, id`)
	} else {
		sb.WriteString(` ORDER BY created_at DESC, id`)
	}

	rows, err := r.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	out := []domain.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, mapErr(rows.Err())
}

func (r *Repository) UpdateOrderHolder(ctx context.Context, id uuid.UUID, name, email string) (*domain.Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx, `
		UPDATE orders SET holder_name = $2, holder_email = $3 WHERE id = $1
		RETURNING `+orderColumns, id, name, email))
	return o, errors.Wrapf(err, "order %s", id)
}

// UpdateOrderQuantity only touches PENDING orders, so it cannot change the
// quantity of an order whose stock is already committed.
func (r *Repository) UpdateOrderQuantity(ctx context.Context, id uuid.UUID, quantity int) (*domain.Order, error) {
	var out *domain.Order
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		o, err := scanOrder(tx.QueryRow(ctx, `
			UPDATE orders SET quantity = $2 WHERE id = $1 AND dispatch_status = 'PENDING'
			RETURNING `+orderColumns, id, quantity))
		if err == nil {
			out = o
			return nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		cur, err := scanOrder(tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
		if err != nil {
			return errors.Wrapf(err, "order %s", id)
		}
		return errors.Wrapf(domain.ErrQuantityLocked, "order %s is %s", id, cur.DispatchStatus)
	})
	return out, err
}

// DeleteOrder returns committed stock to the ledger and removes the order
// together with its tickets.
func (r *Repository) DeleteOrder(ctx context.Context, id uuid.UUID) error {
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		o, err := scanOrder(tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return errors.Wrapf(err, "order %s", id)
		}
		if o.StockCommitted() {
			if err := adjust(ctx, tx, o.TicketTypeID, -o.Quantity); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(ctx, `DELETE FROM tickets WHERE order_id = $1`, id); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `DELETE FROM orders WHERE id = $1`, id)
		return err
	})
}

// RecordDispatch stores the delivery outcome of an order and queues the
// matching domain event.
func (r *Repository) RecordDispatch(ctx context.Context, orderID uuid.UUID, status domain.DispatchStatus) error {
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		o, err := scanOrder(tx.QueryRow(ctx, `
			UPDATE orders SET dispatch_status = $2 WHERE id = $1
			RETURNING `+orderColumns, orderID, string(status)))
		if err != nil {
			return errors.Wrapf(err, "order %s", orderID)
		}
		eventType := EventOrderSent
		if status != domain.DispatchSent {
			eventType = EventOrderSendError
		}
		return r.InsertOutbox(ctx, tx, newRecord("order", o.ID, eventType, map[string]interface{}{
			"order_id":        o.ID,
			"ticket_type_id":  o.TicketTypeID,
			"holder_email":    o.HolderEmail,
			"quantity":        o.Quantity,
			"dispatch_status": o.DispatchStatus,
		}))
	})
}
