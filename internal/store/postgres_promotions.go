package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cafepos/sale-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const discountCodeColumns = `
        dc.id, dc.code, dc.description, dc.type, dc.value, dc.min_purchase, dc.max_discount,
        dc.usage_limit, dc.usage_count, dc.customer_id, dc.starts_at, dc.expires_at,
        dc.is_active, dc.product_restricted,
        COALESCE((SELECT array_agg(dcp.product_id::text) FROM discount_code_products dcp WHERE dcp.discount_code_id = dc.id), '{}'::text[]),
        dc.created_at, dc.updated_at`

const campaignColumns = `
        c.id, c.name, c.description, c.type, c.status, c.start_date, c.end_date,
        c.discount_type, c.discount_value, c.min_purchase, c.max_discount, c.usage_limit,
        c.usage_count, c.target_tier, c.is_active,
        COALESCE((SELECT array_agg(cp.product_id::text) FROM campaign_products cp WHERE cp.campaign_id = c.id), '{}'::text[]),
        COALESCE((SELECT array_agg(cc.category_id::text) FROM campaign_categories cc WHERE cc.campaign_id = c.id), '{}'::text[]),
        c.created_at, c.updated_at`

// CreateDiscountCode inserts a code and its product restrictions.
func (r *PostgresRepository) CreateDiscountCode(ctx context.Context, code *domain.DiscountCode) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
        INSERT INTO discount_codes (
            id, code, description, type, value, min_purchase, max_discount, usage_limit,
            usage_count, customer_id, starts_at, expires_at, is_active, product_restricted,
            created_at, updated_at
        )
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10, $11, $12, $13, $14, $14)
    `
	_, err = tx.Exec(ctx, query,
		code.ID, code.Code, code.Description, string(code.Type), code.Value, code.MinPurchase, code.MaxDiscount,
		code.UsageLimit, code.CustomerID, code.StartsAt, code.ExpiresAt, code.IsActive, code.ProductRestricted,
		code.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateDiscountCode
		}
		return fmt.Errorf("failed to insert discount code: %w", err)
	}

	for _, productID := range code.ProductIDs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO discount_code_products (discount_code_id, product_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			code.ID, productID,
		); err != nil {
			return classifyTxError("failed to insert discount code product", err)
		}
	}

	return tx.Commit(ctx)
}

// FindDiscountCodeByCode looks a code up case-insensitively.
func (r *PostgresRepository) FindDiscountCodeByCode(ctx context.Context, code string) (*domain.DiscountCode, error) {
	query := `SELECT ` + discountCodeColumns + ` FROM discount_codes dc WHERE upper(dc.code) = upper($1)`
	dc, err := scanDiscountCode(r.db.QueryRow(ctx, query, strings.TrimSpace(code)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDiscountCodeNotFound
		}
		return nil, fmt.Errorf("failed to find discount code: %w", err)
	}
	return dc, nil
}

// FindDiscountCodeByID loads a code by id.
func (r *PostgresRepository) FindDiscountCodeByID(ctx context.Context, id uuid.UUID) (*domain.DiscountCode, error) {
	query := `SELECT ` + discountCodeColumns + ` FROM discount_codes dc WHERE dc.id = $1`
	dc, err := scanDiscountCode(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDiscountCodeNotFound
		}
		return nil, fmt.Errorf("failed to find discount code: %w", err)
	}
	return dc, nil
}

// ListDiscountCodes returns codes newest first.
func (r *PostgresRepository) ListDiscountCodes(ctx context.Context, activeOnly bool) ([]domain.DiscountCode, error) {
	query := `SELECT ` + discountCodeColumns + ` FROM discount_codes dc WHERE ($1 = FALSE OR dc.is_active) ORDER BY dc.created_at DESC`
	rows, err := r.db.Query(ctx, query, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to query discount codes: %w", err)
	}
	defer rows.Close()

	codes := make([]domain.DiscountCode, 0)
	for rows.Next() {
		dc, err := scanDiscountCode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan discount code: %w", err)
		}
		codes = append(codes, *dc)
	}
	return codes, rows.Err()
}

// SetDiscountCodeActive toggles the advisory active flag.
func (r *PostgresRepository) SetDiscountCodeActive(ctx context.Context, id uuid.UUID, active bool) (*domain.DiscountCode, error) {
	tag, err := r.db.Exec(ctx, `UPDATE discount_codes SET is_active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return nil, fmt.Errorf("failed to update discount code: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrDiscountCodeNotFound
	}
	return r.FindDiscountCodeByID(ctx, id)
}

// ReverseDiscountCodeUsage takes one redemption back off the counter.
func (r *PostgresRepository) ReverseDiscountCodeUsage(ctx context.Context, id uuid.UUID) (*domain.DiscountCode, error) {
	query := `
        UPDATE discount_codes
        SET usage_count = usage_count - 1, updated_at = NOW()
        WHERE id = $1 AND usage_count > 0
    `
	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to reverse discount code usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		dc, err := r.FindDiscountCodeByID(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, domain.Validationf("discount code %s has no usage to reverse", dc.Code)
	}
	return r.FindDiscountCodeByID(ctx, id)
}

// GetDiscountCodeStats aggregates code counts at now.
func (r *PostgresRepository) GetDiscountCodeStats(ctx context.Context, now time.Time) (*domain.DiscountCodeStats, error) {
	query := `
        SELECT
            COUNT(*),
            COUNT(*) FILTER (WHERE is_active AND (expires_at IS NULL OR expires_at >= $1)),
            COUNT(*) FILTER (WHERE expires_at IS NOT NULL AND expires_at < $1),
            COALESCE(SUM(usage_count), 0)
        FROM discount_codes
    `
	var stats domain.DiscountCodeStats
	if err := r.db.QueryRow(ctx, query, now).Scan(&stats.Total, &stats.Active, &stats.Expired, &stats.TotalUsage); err != nil {
		return nil, fmt.Errorf("failed to aggregate discount codes: %w", err)
	}
	return &stats, nil
}

// DeactivateSpentDiscountCodes clears is_active on codes that are expired or exhausted.
func (r *PostgresRepository) DeactivateSpentDiscountCodes(ctx context.Context, now time.Time) (int64, error) {
	query := `
        UPDATE discount_codes
        SET is_active = FALSE, updated_at = NOW()
        WHERE is_active
          AND ((expires_at IS NOT NULL AND expires_at < $1)
               OR (usage_limit IS NOT NULL AND usage_count >= usage_limit))
    `
	tag, err := r.db.Exec(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate spent discount codes: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CreateCampaign inserts a campaign with its product and category bindings.
func (r *PostgresRepository) CreateCampaign(ctx context.Context, campaign *domain.Campaign) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var targetTier *string
	if campaign.TargetTier != nil {
		tier := string(*campaign.TargetTier)
		targetTier = &tier
	}

	query := `
        INSERT INTO campaigns (
            id, name, description, type, status, start_date, end_date, discount_type, discount_value,
            min_purchase, max_discount, usage_limit, usage_count, target_tier, is_active, created_at, updated_at
        )
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 0, $13, $14, $15, $15)
    `
	_, err = tx.Exec(ctx, query,
		campaign.ID, campaign.Name, campaign.Description, string(campaign.Type), string(campaign.Status),
		campaign.StartDate, campaign.EndDate, string(campaign.DiscountType), campaign.DiscountValue,
		campaign.MinPurchase, campaign.MaxDiscount, campaign.UsageLimit, targetTier, campaign.IsActive,
		campaign.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert campaign: %w", err)
	}

	for _, productID := range campaign.ProductIDs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO campaign_products (campaign_id, product_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			campaign.ID, productID,
		); err != nil {
			return classifyTxError("failed to insert campaign product", err)
		}
	}
	for _, categoryID := range campaign.CategoryIDs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO campaign_categories (campaign_id, category_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			campaign.ID, categoryID,
		); err != nil {
			return classifyTxError("failed to insert campaign category", err)
		}
	}

	return tx.Commit(ctx)
}

// FindCampaignByID loads a campaign.
func (r *PostgresRepository) FindCampaignByID(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns c WHERE c.id = $1`
	c, err := scanCampaign(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCampaignNotFound
		}
		return nil, fmt.Errorf("failed to find campaign: %w", err)
	}
	return c, nil
}

// ListCampaigns returns campaigns, optionally filtered by status, newest first.
func (r *PostgresRepository) ListCampaigns(ctx context.Context, status *domain.CampaignStatus) ([]domain.Campaign, error) {
	var filter *string
	if status != nil {
		s := string(*status)
		filter = &s
	}
	query := `SELECT ` + campaignColumns + ` FROM campaigns c WHERE ($1::text IS NULL OR c.status = $1) ORDER BY c.created_at DESC`
	return r.queryCampaigns(ctx, query, filter)
}

// ListActiveCampaigns returns campaigns that are ACTIVE, flagged active and inside their window at now.
func (r *PostgresRepository) ListActiveCampaigns(ctx context.Context, now time.Time) ([]domain.Campaign, error) {
	query := `
        SELECT ` + campaignColumns + `
        FROM campaigns c
        WHERE c.status = 'ACTIVE' AND c.is_active AND c.start_date <= $1 AND c.end_date > $1
        ORDER BY c.start_date, c.id
    `
	return r.queryCampaigns(ctx, query, now)
}

func (r *PostgresRepository) queryCampaigns(ctx context.Context, query string, args ...interface{}) ([]domain.Campaign, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query campaigns: %w", err)
	}
	defer rows.Close()

	campaigns := make([]domain.Campaign, 0)
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan campaign: %w", err)
		}
		campaigns = append(campaigns, *c)
	}
	return campaigns, rows.Err()
}

// UpdateCampaignStatus moves a campaign to next when its current status is in from.
// isActive follows the status: only ACTIVE campaigns are flagged active.
func (r *PostgresRepository) UpdateCampaignStatus(ctx context.Context, id uuid.UUID, from []domain.CampaignStatus, next domain.CampaignStatus) (*domain.Campaign, error) {
	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}
	query := `
        UPDATE campaigns
        SET status = $2, is_active = $3, updated_at = NOW()
        WHERE id = $1 AND status = ANY($4::text[])
    `
	tag, err := r.db.Exec(ctx, query, id, string(next), next == domain.CampaignActive, allowed)
	if err != nil {
		return nil, fmt.Errorf("failed to update campaign status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.FindCampaignByID(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrInvalidStatusChange
	}
	return r.FindCampaignByID(ctx, id)
}

// FindCampaignParticipations returns the customer's usage count per campaign. Campaigns the
// customer never redeemed are absent.
func (r *PostgresRepository) FindCampaignParticipations(ctx context.Context, customerID uuid.UUID, campaignIDs []uuid.UUID) (map[uuid.UUID]int, error) {
	counts := make(map[uuid.UUID]int, len(campaignIDs))
	if len(campaignIDs) == 0 {
		return counts, nil
	}
	query := `
        SELECT campaign_id, usage_count
        FROM campaign_participations
        WHERE customer_id = $1 AND campaign_id = ANY($2::uuid[])
    `
	rows, err := r.db.Query(ctx, query, customerID, uuidStrings(campaignIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to query campaign participations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var campaignID uuid.UUID
		var count int
		if err := rows.Scan(&campaignID, &count); err != nil {
			return nil, fmt.Errorf("failed to scan campaign participation: %w", err)
		}
		counts[campaignID] = count
	}
	return counts, rows.Err()
}

// SyncCampaignStatuses opens scheduled campaigns whose window started and completes live
// campaigns whose window closed or whose global limit is used up.
func (r *PostgresRepository) SyncCampaignStatuses(ctx context.Context, now time.Time) (int64, int64, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	activateQuery := `
        UPDATE campaigns
        SET status = 'ACTIVE', is_active = TRUE, updated_at = NOW()
        WHERE status = 'SCHEDULED' AND start_date <= $1 AND end_date > $1
    `
	activated, err := tx.Exec(ctx, activateQuery, now)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to activate scheduled campaigns: %w", err)
	}

	completeQuery := `
        UPDATE campaigns
        SET status = 'COMPLETED', is_active = FALSE, updated_at = NOW()
        WHERE status IN ('ACTIVE', 'PAUSED')
          AND (end_date <= $1 OR (usage_limit IS NOT NULL AND usage_count >= usage_limit))
    `
	completed, err := tx.Exec(ctx, completeQuery, now)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to complete finished campaigns: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("failed to commit campaign status sync: %w", err)
	}
	return activated.RowsAffected(), completed.RowsAffected(), nil
}

// incrementDiscountCodeUsage is the guarded increment: it only succeeds while usage_count is
// below usage_limit at the moment of the update.
func incrementDiscountCodeUsage(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	query := `
        UPDATE discount_codes
        SET usage_count = usage_count + 1, updated_at = NOW()
        WHERE id = $1 AND (usage_limit IS NULL OR usage_count < usage_limit)
    `
	tag, err := tx.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.NewError(domain.KindUsageExhausted, domain.RuleCodeExhausted)
	}
	return nil
}

// incrementCampaignUsage applies the campaign-wide guard and, for known customers, the
// per-customer participation guard against the same limit.
func incrementCampaignUsage(ctx context.Context, tx pgx.Tx, id uuid.UUID, customerID *uuid.UUID) error {
	var usageLimit *int
	query := `
        UPDATE campaigns
        SET usage_count = usage_count + 1, updated_at = NOW()
        WHERE id = $1 AND status = 'ACTIVE' AND is_active
          AND (usage_limit IS NULL OR usage_count < usage_limit)
        RETURNING usage_limit
    `
	if err := tx.QueryRow(ctx, query, id).Scan(&usageLimit); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return campaignIncrementFailure(ctx, tx, id)
		}
		return err
	}
	if customerID == nil {
		return nil
	}

	participationQuery := `
        INSERT INTO campaign_participations (id, campaign_id, customer_id, usage_count, created_at, updated_at)
        VALUES ($1, $2, $3, 1, NOW(), NOW())
        ON CONFLICT (campaign_id, customer_id) DO UPDATE
        SET usage_count = campaign_participations.usage_count + 1, updated_at = NOW()
        WHERE $4::int IS NULL OR campaign_participations.usage_count < $4::int
        RETURNING usage_count
    `
	var count int
	if err := tx.QueryRow(ctx, participationQuery, uuid.New(), id, *customerID, usageLimit).Scan(&count); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.NewError(domain.KindUsageExhausted, domain.RuleCampaignCustomerCap)
		}
		return err
	}
	return nil
}

// campaignIncrementFailure re-reads the campaign inside the sale transaction to report which
// guard the increment tripped.
func campaignIncrementFailure(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	var (
		status     string
		active     bool
		usageCount int
		usageLimit *int
	)
	query := `SELECT status, is_active, usage_count, usage_limit FROM campaigns WHERE id = $1`
	if err := tx.QueryRow(ctx, query, id).Scan(&status, &active, &usageCount, &usageLimit); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.NewError(domain.KindNotEligible, domain.RuleCampaignNotFound)
		}
		return err
	}
	return CampaignIncrementRejection(domain.CampaignStatus(status), active, usageCount, usageLimit)
}

// CampaignIncrementRejection maps the campaign row seen after a failed guarded increment to the
// rule it broke. A paused or cancelled campaign is reported as not active, not as exhausted.
func CampaignIncrementRejection(status domain.CampaignStatus, active bool, usageCount int, usageLimit *int) error {
	if status != domain.CampaignActive || !active {
		return domain.NewError(domain.KindNotEligible, domain.RuleCampaignNotActive)
	}
	if usageLimit != nil && usageCount >= *usageLimit {
		return domain.NewError(domain.KindUsageExhausted, domain.RuleCampaignExhausted)
	}
	// The row passes the guard again, so it changed between the update and the re-read.
	return domain.NewError(domain.KindConcurrencyConflict, "campaign changed during commit")
}

func scanDiscountCode(row pgx.Row) (*domain.DiscountCode, error) {
	var dc domain.DiscountCode
	var codeType string
	var productIDs []string
	err := row.Scan(
		&dc.ID, &dc.Code, &dc.Description, &codeType, &dc.Value, &dc.MinPurchase, &dc.MaxDiscount,
		&dc.UsageLimit, &dc.UsageCount, &dc.CustomerID, &dc.StartsAt, &dc.ExpiresAt,
		&dc.IsActive, &dc.ProductRestricted, &productIDs, &dc.CreatedAt, &dc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	dc.Type = domain.DiscountType(codeType)
	if dc.ProductIDs, err = parseUUIDs(productIDs); err != nil {
		return nil, err
	}
	return &dc, nil
}

func scanCampaign(row pgx.Row) (*domain.Campaign, error) {
	var c domain.Campaign
	var campaignType, status, discountType string
	var targetTier *string
	var productIDs, categoryIDs []string
	err := row.Scan(
		&c.ID, &c.Name, &c.Description, &campaignType, &status, &c.StartDate, &c.EndDate,
		&discountType, &c.DiscountValue, &c.MinPurchase, &c.MaxDiscount, &c.UsageLimit,
		&c.UsageCount, &targetTier, &c.IsActive, &productIDs, &categoryIDs, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Type = domain.CampaignType(campaignType)
	c.Status = domain.CampaignStatus(status)
	c.DiscountType = domain.DiscountType(discountType)
	if targetTier != nil {
		tier := domain.LoyaltyTier(*targetTier)
		c.TargetTier = &tier
	}
	if c.ProductIDs, err = parseUUIDs(productIDs); err != nil {
		return nil, err
	}
	if c.CategoryIDs, err = parseUUIDs(categoryIDs); err != nil {
		return nil, err
	}
	return &c, nil
}
