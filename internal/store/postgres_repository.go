/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface: the
 * connection wrapper, the shared sentinel errors, catalog and customer reads, and the mapping
 * of driver errors onto the domain error taxonomy.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/cafepos/sale-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrCustomerNotFound      = errors.New("customer not found")
	ErrDiscountCodeNotFound  = errors.New("discount code not found")
	ErrDuplicateDiscountCode = errors.New("discount code already exists")
	ErrCampaignNotFound      = errors.New("campaign not found")
	ErrInvalidStatusChange   = errors.New("invalid status transition")
	ErrSaleNotFound          = errors.New("sale not found")
)

// PostgreSQL error codes the store reacts to.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgUniqueViolation      = "23505"
	pgForeignKeyViolation  = "23503"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// FindProductsByIDs loads the catalog rows for ids. Missing ids are simply absent from the map.
func (r *PostgresRepository) FindProductsByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]domain.Product, error) {
	products := make(map[uuid.UUID]domain.Product, len(ids))
	if len(ids) == 0 {
		return products, nil
	}

	query := `
        SELECT id, name, price, cost, stock, COALESCE(category_id, '00000000-0000-0000-0000-000000000000'::uuid), is_available
        FROM products
        WHERE id = ANY($1::uuid[])
    `
	rows, err := r.db.Query(ctx, query, uuidStrings(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Price, &p.Cost, &p.Stock, &p.CategoryID, &p.IsAvailable); err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		products[p.ID] = p
	}
	return products, rows.Err()
}

// FindCustomerByID loads a customer's loyalty projection.
func (r *PostgresRepository) FindCustomerByID(ctx context.Context, customerID uuid.UUID) (*domain.Customer, error) {
	query := `
        SELECT id, name, loyalty_points, total_spent, visit_count, last_visit, loyalty_tier
        FROM customers
        WHERE id = $1
    `
	c, err := scanCustomer(r.db.QueryRow(ctx, query, customerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCustomerNotFound
		}
		return nil, fmt.Errorf("failed to find customer: %w", err)
	}
	return c, nil
}

// lockCustomer reads the customer row with FOR UPDATE so concurrent balance changes serialize.
func lockCustomer(ctx context.Context, tx pgx.Tx, customerID uuid.UUID) (*domain.Customer, error) {
	query := `
        SELECT id, name, loyalty_points, total_spent, visit_count, last_visit, loyalty_tier
        FROM customers
        WHERE id = $1
        FOR UPDATE
    `
	c, err := scanCustomer(tx.QueryRow(ctx, query, customerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCustomerNotFound
		}
		return nil, err
	}
	return c, nil
}

func scanCustomer(row pgx.Row) (*domain.Customer, error) {
	var c domain.Customer
	if err := row.Scan(&c.ID, &c.Name, &c.LoyaltyPoints, &c.TotalSpent, &c.VisitCount, &c.LastVisit, &c.LoyaltyTier); err != nil {
		return nil, err
	}
	return &c, nil
}

// classifyTxError maps an error raised inside a write transaction onto the domain taxonomy.
// Errors that are already typed pass through unchanged.
func classifyTxError(op string, err error) error {
	if err == nil {
		return nil
	}
	var typed *domain.Error
	if errors.As(err, &typed) {
		return err
	}
	if errors.Is(err, ErrCustomerNotFound) || errors.Is(err, ErrSaleNotFound) || errors.Is(err, ErrInvalidStatusChange) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
			return domain.WrapError(domain.KindConcurrencyConflict, op, err)
		case pgForeignKeyViolation:
			return domain.WrapError(domain.KindValidation, "referenced record no longer exists", err)
		}
	}
	return domain.WrapError(domain.KindPersistence, op, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func parseUUIDs(raw []string) ([]uuid.UUID, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("invalid uuid %q: %w", s, err)
		}
		out = append(out, id)
	}
	return out, nil
}
