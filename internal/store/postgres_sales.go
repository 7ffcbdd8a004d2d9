package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cafepos/sale-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const saleColumns = `
        id, receipt_number, customer_id, subtotal, discount_amount, tax_amount, total_amount,
        payment_method, status, cash_received, change_given, loyalty_points_used, loyalty_points_earned,
        campaign_id, discount_code_id, notes, operator_id, created_at, updated_at, refunded_at`

// CommitSale writes a completed sale as one transaction: the receipt number, the guarded usage
// increment of the applied code or campaign, the locked customer's ledger rows and projection,
// and the sale with its items. Any failure rolls the whole unit back.
func (r *PostgresRepository) CommitSale(ctx context.Context, params CommitSaleParams) (*domain.Sale, error) {
	sale := params.Sale
	if sale == nil {
		return nil, domain.Validationf("sale is required")
	}
	if sale.DiscountCodeID != nil && sale.CampaignID != nil {
		return nil, domain.Validationf("a sale cannot carry both a discount code and a campaign")
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, classifyTxError("failed to begin transaction", err)
	}
	defer tx.Rollback(ctx)

	// 1. Allocate the receipt number from the per-day sequence.
	receipt, err := nextReceiptNumber(ctx, tx, sale.CreatedAt)
	if err != nil {
		return nil, classifyTxError("failed to allocate receipt number", err)
	}
	sale.ReceiptNumber = receipt

	// 2. Guarded usage increments.
	if sale.DiscountCodeID != nil {
		if err := incrementDiscountCodeUsage(ctx, tx, *sale.DiscountCodeID); err != nil {
			return nil, classifyTxError("failed to increment discount code usage", err)
		}
	}
	if sale.CampaignID != nil {
		if err := incrementCampaignUsage(ctx, tx, *sale.CampaignID, sale.CustomerID); err != nil {
			return nil, classifyTxError("failed to increment campaign usage", err)
		}
	}

	// 3. Lock the customer and settle loyalty. The sale row needs the settled points.
	var outcome *domain.LoyaltyOutcome
	if sale.CustomerID != nil && params.Settle != nil {
		customer, err := lockCustomer(ctx, tx, *sale.CustomerID)
		if err != nil {
			return nil, classifyTxError("failed to lock customer", err)
		}
		settled, err := params.Settle(*customer)
		if err != nil {
			return nil, err
		}
		outcome = &settled
		sale.LoyaltyPointsEarned = settled.PointsEarned
		sale.LoyaltyPointsUsed = settled.PointsRedeemed
	}

	// 4. The sale and its items.
	sale.Status = domain.SaleCompleted
	if err := insertSale(ctx, tx, sale); err != nil {
		return nil, classifyTxError("failed to insert sale", err)
	}

	// 5. Ledger rows and the customer projection.
	if outcome != nil {
		if err := applyLoyaltyOutcome(ctx, tx, outcome); err != nil {
			return nil, classifyTxError("failed to post loyalty transactions", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, classifyTxError("failed to commit sale", err)
	}
	return sale, nil
}

// RefundSale moves a COMPLETED sale to REFUNDED and posts the compensating ledger rows in the
// same transaction. Usage counters are left untouched.
func (r *PostgresRepository) RefundSale(ctx context.Context, params RefundSaleParams) (*domain.Sale, *domain.LoyaltyOutcome, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, nil, classifyTxError("failed to begin transaction", err)
	}
	defer tx.Rollback(ctx)

	sale, err := scanSale(tx.QueryRow(ctx, `SELECT `+saleColumns+` FROM sales WHERE id = $1 FOR UPDATE`, params.SaleID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, ErrSaleNotFound
		}
		return nil, nil, classifyTxError("failed to lock sale", err)
	}
	if !sale.Status.CanTransitionTo(domain.SaleRefunded) {
		return nil, nil, ErrInvalidStatusChange
	}

	var outcome *domain.LoyaltyOutcome
	if sale.CustomerID != nil && params.Reverse != nil {
		customer, err := lockCustomer(ctx, tx, *sale.CustomerID)
		if err != nil && !errors.Is(err, ErrCustomerNotFound) {
			return nil, nil, classifyTxError("failed to lock customer", err)
		}
		if customer != nil {
			reversed, err := params.Reverse(*customer, sale)
			if err != nil {
				return nil, nil, err
			}
			if err := applyLoyaltyOutcome(ctx, tx, &reversed); err != nil {
				return nil, nil, classifyTxError("failed to post loyalty reversal", err)
			}
			outcome = &reversed
		}
	}

	now := time.Now().UTC()
	updateQuery := `
        UPDATE sales
        SET status = 'REFUNDED', refunded_at = $2, refund_reason = $3, updated_at = $2
        WHERE id = $1 AND status = 'COMPLETED'
    `
	if _, err := tx.Exec(ctx, updateQuery, sale.ID, now, params.Reason); err != nil {
		return nil, nil, classifyTxError("failed to mark sale refunded", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, classifyTxError("failed to commit refund", err)
	}

	sale.Status = domain.SaleRefunded
	sale.RefundedAt = &now
	sale.UpdatedAt = now
	if sale.Items, err = r.findSaleItems(ctx, sale.ID); err != nil {
		return nil, nil, err
	}
	return sale, outcome, nil
}

// FindSaleByID loads a sale with its items.
func (r *PostgresRepository) FindSaleByID(ctx context.Context, saleID uuid.UUID) (*domain.Sale, error) {
	sale, err := scanSale(r.db.QueryRow(ctx, `SELECT `+saleColumns+` FROM sales WHERE id = $1`, saleID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSaleNotFound
		}
		return nil, fmt.Errorf("failed to find sale: %w", err)
	}
	if sale.Items, err = r.findSaleItems(ctx, saleID); err != nil {
		return nil, err
	}
	return sale, nil
}

// GetDailySummary aggregates the completed sales of day (UTC).
func (r *PostgresRepository) GetDailySummary(ctx context.Context, day time.Time) (*domain.DailySummary, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	query := `
        SELECT
            COUNT(*),
            COALESCE(SUM(total_amount), 0),
            COALESCE(SUM(discount_amount), 0),
            COALESCE(SUM(tax_amount), 0),
            COALESCE(SUM(loyalty_points_earned), 0),
            COALESCE(SUM(loyalty_points_used), 0)
        FROM sales
        WHERE status = 'COMPLETED' AND created_at >= $1 AND created_at < $2
    `
	summary := domain.DailySummary{Date: start.Format("2006-01-02")}
	err := r.db.QueryRow(ctx, query, start, start.AddDate(0, 0, 1)).Scan(
		&summary.SalesCount, &summary.TotalRevenue, &summary.TotalDiscount, &summary.TotalTax,
		&summary.LoyaltyPointsEarned, &summary.LoyaltyPointsUsed,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate daily sales: %w", err)
	}
	return &summary, nil
}

// ListLoyaltyTransactions returns a customer's ledger, most recent first.
func (r *PostgresRepository) ListLoyaltyTransactions(ctx context.Context, customerID uuid.UUID, limit int) ([]domain.LoyaltyTransaction, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
        SELECT id, customer_id, type, points, sale_id, description, created_at
        FROM loyalty_transactions
        WHERE customer_id = $1
        ORDER BY created_at DESC, id
        LIMIT $2
    `
	rows, err := r.db.Query(ctx, query, customerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query loyalty transactions: %w", err)
	}
	defer rows.Close()

	entries := make([]domain.LoyaltyTransaction, 0)
	for rows.Next() {
		var e domain.LoyaltyTransaction
		var kind string
		if err := rows.Scan(&e.ID, &e.CustomerID, &kind, &e.Points, &e.SaleID, &e.Description, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan loyalty transaction: %w", err)
		}
		e.Type = domain.LoyaltyTransactionType(kind)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PostLoyaltyOutcome locks the customer, lets settle compute the outcome and persists it.
func (r *PostgresRepository) PostLoyaltyOutcome(ctx context.Context, customerID uuid.UUID, settle SettleFunc) (*domain.LoyaltyOutcome, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, classifyTxError("failed to begin transaction", err)
	}
	defer tx.Rollback(ctx)

	customer, err := lockCustomer(ctx, tx, customerID)
	if err != nil {
		return nil, classifyTxError("failed to lock customer", err)
	}
	outcome, err := settle(*customer)
	if err != nil {
		return nil, err
	}
	if err := applyLoyaltyOutcome(ctx, tx, &outcome); err != nil {
		return nil, classifyTxError("failed to post loyalty transactions", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, classifyTxError("failed to commit loyalty transactions", err)
	}
	return &outcome, nil
}

// FindCustomersWithExpiringPoints lists customers holding points whose last visit is older than
// inactiveSince.
func (r *PostgresRepository) FindCustomersWithExpiringPoints(ctx context.Context, inactiveSince time.Time, limit int) ([]uuid.UUID, error) {
	query := `
        SELECT id
        FROM customers
        WHERE loyalty_points > 0 AND COALESCE(last_visit, created_at) < $1
        ORDER BY id
        LIMIT $2
    `
	rows, err := r.db.Query(ctx, query, inactiveSince, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query expiring customers: %w", err)
	}
	defer rows.Close()

	ids := make([]uuid.UUID, 0)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan customer id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func nextReceiptNumber(ctx context.Context, tx pgx.Tx, at time.Time) (string, error) {
	day := at.UTC()
	query := `
        INSERT INTO receipt_sequences (day, last_value)
        VALUES ($1::date, 1)
        ON CONFLICT (day) DO UPDATE SET last_value = receipt_sequences.last_value + 1
        RETURNING last_value
    `
	var seq int
	if err := tx.QueryRow(ctx, query, day.Format("2006-01-02")).Scan(&seq); err != nil {
		return "", err
	}
	return fmt.Sprintf("RCP-%s-%04d", day.Format("20060102"), seq), nil
}

func insertSale(ctx context.Context, tx pgx.Tx, sale *domain.Sale) error {
	query := `
        INSERT INTO sales (
            id, receipt_number, customer_id, subtotal, discount_amount, tax_amount, total_amount,
            payment_method, status, cash_received, change_given, loyalty_points_used, loyalty_points_earned,
            campaign_id, discount_code_id, notes, operator_id, created_at, updated_at
        )
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
    `
	_, err := tx.Exec(ctx, query,
		sale.ID, sale.ReceiptNumber, sale.CustomerID, sale.Subtotal, sale.DiscountAmount, sale.TaxAmount,
		sale.TotalAmount, string(sale.PaymentMethod), string(sale.Status), sale.CashReceived, sale.ChangeGiven,
		sale.LoyaltyPointsUsed, sale.LoyaltyPointsEarned, sale.CampaignID, sale.DiscountCodeID, sale.Notes,
		sale.OperatorID, sale.CreatedAt, sale.UpdatedAt,
	)
	if err != nil {
		return err
	}

	itemQuery := `
        INSERT INTO sale_items (
            id, sale_id, line_no, product_id, category_id, quantity, unit_price, line_subtotal, discount_amount, total_price
        )
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
    `
	for i := range sale.Items {
		item := &sale.Items[i]
		if item.ID == uuid.Nil {
			item.ID = uuid.New()
		}
		item.SaleID = sale.ID
		var categoryID *uuid.UUID
		if item.CategoryID != uuid.Nil {
			categoryID = &item.CategoryID
		}
		if _, err := tx.Exec(ctx, itemQuery,
			item.ID, item.SaleID, i+1, item.ProductID, categoryID, item.Quantity, item.UnitPrice,
			item.LineSubtotal, item.DiscountAmount, item.TotalPrice,
		); err != nil {
			return err
		}
	}
	return nil
}

// applyLoyaltyOutcome appends the outcome's ledger rows and writes the customer projection.
// The customer row must already be locked by tx.
func applyLoyaltyOutcome(ctx context.Context, tx pgx.Tx, outcome *domain.LoyaltyOutcome) error {
	if outcome.BalanceAfter < 0 {
		return domain.NewError(domain.KindInsufficientPoints, domain.RuleInsufficientPoints)
	}

	entryQuery := `
        INSERT INTO loyalty_transactions (id, customer_id, type, points, sale_id, description, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
    `
	for _, e := range outcome.Entries {
		if e.Points == 0 {
			continue
		}
		if _, err := tx.Exec(ctx, entryQuery, e.ID, e.CustomerID, string(e.Type), e.Points, e.SaleID, e.Description, e.CreatedAt); err != nil {
			return err
		}
	}

	customerQuery := `
        UPDATE customers
        SET loyalty_points = $2, loyalty_tier = $3, total_spent = $4, visit_count = $5, last_visit = $6
        WHERE id = $1
    `
	_, err := tx.Exec(ctx, customerQuery,
		outcome.CustomerID, outcome.BalanceAfter, string(outcome.TierAfter), outcome.TotalSpent,
		outcome.VisitCount, outcome.LastVisit,
	)
	return err
}

func (r *PostgresRepository) findSaleItems(ctx context.Context, saleID uuid.UUID) ([]domain.SaleItem, error) {
	query := `
        SELECT id, sale_id, product_id, COALESCE(category_id, '00000000-0000-0000-0000-000000000000'::uuid),
               quantity, unit_price, line_subtotal, discount_amount, total_price
        FROM sale_items
        WHERE sale_id = $1
        ORDER BY line_no
    `
	rows, err := r.db.Query(ctx, query, saleID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sale items: %w", err)
	}
	defer rows.Close()

	items := make([]domain.SaleItem, 0)
	for rows.Next() {
		var it domain.SaleItem
		if err := rows.Scan(&it.ID, &it.SaleID, &it.ProductID, &it.CategoryID, &it.Quantity, &it.UnitPrice,
			&it.LineSubtotal, &it.DiscountAmount, &it.TotalPrice); err != nil {
			return nil, fmt.Errorf("failed to scan sale item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func scanSale(row pgx.Row) (*domain.Sale, error) {
	var s domain.Sale
	var method, status string
	err := row.Scan(
		&s.ID, &s.ReceiptNumber, &s.CustomerID, &s.Subtotal, &s.DiscountAmount, &s.TaxAmount, &s.TotalAmount,
		&method, &status, &s.CashReceived, &s.ChangeGiven, &s.LoyaltyPointsUsed, &s.LoyaltyPointsEarned,
		&s.CampaignID, &s.DiscountCodeID, &s.Notes, &s.OperatorID, &s.CreatedAt, &s.UpdatedAt, &s.RefundedAt,
	)
	if err != nil {
		return nil, err
	}
	s.PaymentMethod = domain.PaymentMethod(method)
	s.Status = domain.SaleStatus(status)
	return &s, nil
}
