// Package crdb persists ticket types, orders, tickets and the outbox in
// CockroachDB (or Postgres). Every mutation runs in a SERIALIZABLE
// transaction; stock changes lock the ticket type row first.
package crdb

import (
	"context"
	_ "embed"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robertarktes/ticket-issuance/internal/domain"
	"github.com/robertarktes/ticket-issuance/internal/ledger"
	"github.com/robertarktes/ticket-issuance/internal/observability"
)

const (
	SerializationFailureCode = "40001"
	UniqueViolationCode      = "23505"
	ForeignKeyViolationCode  = "23503"

	// txAttempts bounds retries of a transaction aborted by a serialization
	// failure.
	txAttempts = 3
)

//go:embed schema.sql
var schema string

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Migrate creates the tables when they do not exist yet.
func (r *Repository) Migrate(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, schema)
	return errors.Wrap(err, "apply schema")
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// WithTx runs fn in a SERIALIZABLE transaction, retrying it when the
// database aborts it with a serialization failure.
func (r *Repository) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	start := time.Now()
	defer func() { observability.DBTxDuration.Observe(time.Since(start).Seconds()) }()

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 10 * time.Millisecond
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, txAttempts-1), ctx)
	return backoff.Retry(func() error {
		err := r.runTx(ctx, fn)
		if errors.Is(err, domain.ErrSerializationFailure) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, policy)
}

func (r *Repository) runTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, "SET TRANSACTION ISOLATION LEVEL SERIALIZABLE")
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		return mapErr(err)
	}
	return mapErr(tx.Commit(ctx))
}

// mapErr translates driver errors into domain sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.Mark(err, domain.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case SerializationFailureCode:
			return domain.ErrSerializationFailure
		case UniqueViolationCode:
			return errors.Mark(errors.Wrap(err, pgErr.ConstraintName), domain.ErrConflict)
		case ForeignKeyViolationCode:
			return errors.Mark(errors.Wrap(err, pgErr.ConstraintName), domain.ErrNotFound)
		}
	}
	return err
}

// likePattern matches term as a literal substring under ILIKE.
func likePattern(term string) string {
	esc := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + esc.Replace(term) + "%"
}

// Ticket types

const ticketTypeColumns = `id, event_id, name, description, price::TEXT, total_capacity, issued_count, starts_at, ends_at, status`

func scanTicketType(row pgx.Row) (*domain.TicketType, error) {
	var tt domain.TicketType
	var price string
	err := row.Scan(&tt.ID, &tt.EventID, &tt.Name, &tt.Description, &price,
		&tt.TotalCapacity, &tt.IssuedCount, &tt.StartsAt, &tt.EndsAt, &tt.Status)
	if err != nil {
		return nil, mapErr(err)
	}
	if err := tt.Price.Scan(price); err != nil {
		return nil, errors.Wrapf(err, "price of ticket type %s", tt.ID)
	}
	return &tt, nil
}

func collectTicketTypes(rows pgx.Rows) ([]domain.TicketType, error) {
	defer rows.Close()
	out := []domain.TicketType{}
	for rows.Next() {
		tt, err := scanTicketType(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *tt)
	}
	return out, mapErr(rows.Err())
}

func (r *Repository) CreateTicketType(ctx context.Context, tt domain.TicketType) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO ticket_types (id, event_id, name, description, price, total_capacity, issued_count, starts_at, ends_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, tt.ID, tt.EventID, tt.Name, tt.Description, tt.Price.String(), tt.TotalCapacity, tt.IssuedCount,
		tt.StartsAt, tt.EndsAt, string(tt.Status))
	return mapErr(err)
}

func (r *Repository) GetTicketType(ctx context.Context, id uuid.UUID) (*domain.TicketType, error) {
	tt, err := scanTicketType(r.pool.QueryRow(ctx, `SELECT `+ticketTypeColumns+` FROM ticket_types WHERE id = $1`, id))
	return tt, errors.Wrapf(err, "ticket type %s", id)
}

func (r *Repository) ListTicketTypesByEvent(ctx context.Context, eventID uuid.UUID) ([]domain.TicketType, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+ticketTypeColumns+` FROM ticket_types WHERE event_id = $1 ORDER BY name`, eventID)
	if err != nil {
		return nil, mapErr(err)
	}
	return collectTicketTypes(rows)
}

func (r *Repository) SearchTicketTypes(ctx context.Context, name string) ([]domain.TicketType, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+ticketTypeColumns+` FROM ticket_types WHERE name ILIKE $1 ORDER BY name`, likePattern(name))
	if err != nil {
		return nil, mapErr(err)
	}
	return collectTicketTypes(rows)
}

func (r *Repository) UpdateTicketType(ctx context.Context, tt domain.TicketType) (*domain.TicketType, error) {
	var out *domain.TicketType
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		cur, err := lockTicketType(ctx, tx, tt.ID)
		if err != nil {
			return err
		}
		if tt.TotalCapacity < cur.IssuedCount {
			return errors.Wrapf(domain.ErrConflict, "capacity %d below issued count %d", tt.TotalCapacity, cur.IssuedCount)
		}
		cur.Name, cur.Description, cur.Price = tt.Name, tt.Description, tt.Price
		cur.TotalCapacity, cur.StartsAt, cur.EndsAt = tt.TotalCapacity, tt.StartsAt, tt.EndsAt
		cur.Status = domain.TicketTypeActive
		if tt.Status == domain.TicketTypeInactive {
			cur.Status = domain.TicketTypeInactive
		}
		cur.Status = ledger.StatusFor(*cur)
		_, err = tx.Exec(ctx, `
			UPDATE ticket_types
			SET name = $2, description = $3, price = $4, total_capacity = $5, starts_at = $6, ends_at = $7, status = $8
			WHERE id = $1
		`, cur.ID, cur.Name, cur.Description, cur.Price.String(), cur.TotalCapacity, cur.StartsAt, cur.EndsAt, string(cur.Status))
		out = cur
		return err
	})
	return out, err
}

// DeleteTicketType relies on ON DELETE CASCADE for orders and tickets.
func (r *Repository) DeleteTicketType(ctx context.Context, id uuid.UUID) error {
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM ticket_types WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errors.Wrapf(domain.ErrNotFound, "ticket type %s", id)
		}
		return nil
	})
}

// Ledger

var _ ledger.Ledger = (*Repository)(nil)

func lockTicketType(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.TicketType, error) {
	tt, err := scanTicketType(tx.QueryRow(ctx, `SELECT `+ticketTypeColumns+` FROM ticket_types WHERE id = $1 FOR UPDATE`, id))
	return tt, errors.Wrapf(err, "ticket type %s", id)
}

func writeCounters(ctx context.Context, tx pgx.Tx, tt domain.TicketType) error {
	_, err := tx.Exec(ctx, `UPDATE ticket_types SET issued_count = $2, status = $3 WHERE id = $1`,
		tt.ID, tt.IssuedCount, string(tt.Status))
	return err
}

// adjust applies delta to the issued count of a ticket type locked in tx.
func adjust(ctx context.Context, tx pgx.Tx, id uuid.UUID, delta int) error {
	tt, err := lockTicketType(ctx, tx, id)
	if err != nil {
		return err
	}
	if delta >= 0 {
		err = ledger.Reserve(tt, delta)
	} else {
		err = ledger.Release(tt, -delta)
	}
	if err != nil {
		return err
	}
	return writeCounters(ctx, tx, *tt)
}

func (r *Repository) Reserve(ctx context.Context, ticketTypeID uuid.UUID, quantity int) error {
	if quantity < 0 {
		return errors.Wrapf(domain.ErrInvalidInput, "negative reservation %d", quantity)
	}
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		return adjust(ctx, tx, ticketTypeID, quantity)
	})
}

func (r *Repository) Release(ctx context.Context, ticketTypeID uuid.UUID, quantity int) error {
	if quantity < 0 {
		return errors.Wrapf(domain.ErrInvalidInput, "negative release %d", quantity)
	}
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		return adjust(ctx, tx, ticketTypeID, -quantity)
	})
}

// CommitStock reserves the summed quantity of orders and moves each of them
// from PENDING to SEND_ERROR in one transaction. An order that changed since
// it was read fails the whole commit with domain.ErrConflict.
func (r *Repository) CommitStock(ctx context.Context, ticketTypeID uuid.UUID, orders []domain.Order) error {
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		tt, err := lockTicketType(ctx, tx, ticketTypeID)
		if err != nil {
			return err
		}
		for _, o := range orders {
			tag, err := tx.Exec(ctx, `
				UPDATE orders SET dispatch_status = 'SEND_ERROR'
				WHERE id = $1 AND ticket_type_id = $2 AND dispatch_status = 'PENDING' AND quantity = $3
			`, o.ID, ticketTypeID, o.Quantity)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return errors.Wrapf(domain.ErrConflict, "order %s is no longer pending with quantity %d", o.ID, o.Quantity)
			}
		}
		if err := ledger.Reserve(tt, ledger.Demand(orders)); err != nil {
			return err
		}
		return writeCounters(ctx, tx, *tt)
	})
}
