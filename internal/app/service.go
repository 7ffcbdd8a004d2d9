/**
 * @description
 * This file contains the sale orchestrator. The `Service` struct is the transactional
 * boundary of the sale-service: it prices a cart, picks the discount (an explicit code wins,
 * otherwise an explicitly chosen or auto-matched campaign), checks the tender and hands the
 * fully computed sale to the repository, which commits the sale, the usage counters and the
 * loyalty ledger rows as one unit.
 *
 * Key features:
 * - Deterministic subtotal -> discount -> tax -> total via the pricing engine.
 * - Nothing is written before the final commit, so a failed attempt can be retried from scratch.
 * - Publishes sale events to RabbitMQ after commit; publish failures never undo a sale.
 *
 * @dependencies
 * - internal/discount, internal/campaign, internal/pricing, internal/loyalty: decision logic.
 * - internal/store: data access.
 * - pkg/rabbitmq: event publishing.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cafepos/sale-service/internal/campaign"
	"github.com/cafepos/sale-service/internal/discount"
	"github.com/cafepos/sale-service/internal/domain"
	"github.com/cafepos/sale-service/internal/loyalty"
	"github.com/cafepos/sale-service/internal/pricing"
	"github.com/cafepos/sale-service/internal/store"
	"github.com/cafepos/sale-service/pkg/rabbitmq"
	"github.com/google/uuid"
)

// AttemptWindow is the failed discount lookups counted in the current window.
type AttemptWindow struct {
	OperatorFailures  int
	CodeFailures      int
	RetryAfterSeconds int
}

// DiscountAttemptGuard tracks failed code lookups per operator and per code. Successful
// validations are never recorded.
type DiscountAttemptGuard interface {
	DiscountFailures(ctx context.Context, operatorID, code string) (AttemptWindow, error)
	RecordDiscountFailure(ctx context.Context, operatorID, code string) (AttemptWindow, error)
}

// Options carries the tunables the service reads from configuration.
type Options struct {
	EventsExchange                  string
	DiscountFailedAttemptsPerMinute int
	LoyaltyPointsExpiryInactiveDays int
}

// Service provides the sale, promotion and loyalty use cases.
type Service struct {
	repo          store.Repository
	resolver      *discount.Resolver
	matcher       *campaign.Matcher
	engine        *pricing.Engine
	ledger        *loyalty.Ledger
	eventProducer rabbitmq.Publisher
	attemptGuard  DiscountAttemptGuard
	opts          Options
	now           func() time.Time
}

// NewService creates a new sale service instance.
func NewService(repo store.Repository, engine *pricing.Engine, ledger *loyalty.Ledger, producer rabbitmq.Publisher, opts Options) *Service {
	if strings.TrimSpace(opts.EventsExchange) == "" {
		opts.EventsExchange = "cafepos.events"
	}
	if producer == nil {
		producer = &rabbitmq.EventProducerFallback{}
	}
	return &Service{
		repo:          repo,
		resolver:      discount.NewResolver(repo),
		matcher:       campaign.NewMatcher(repo),
		engine:        engine,
		ledger:        ledger,
		eventProducer: producer,
		opts:          opts,
		now:           time.Now,
	}
}

// SetDiscountAttemptGuard enables lockout after repeated failed discount code lookups.
func (s *Service) SetDiscountAttemptGuard(guard DiscountAttemptGuard) {
	s.attemptGuard = guard
}

// SetClock replaces the clock used by the service and its decision components.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
	s.resolver.WithClock(now)
	s.matcher.WithClock(now)
	s.ledger.WithClock(now)
}

// CompleteSale prices the cart, applies at most one discount, checks the tender and commits the
// sale with its usage counters and loyalty ledger rows atomically.
func (s *Service) CompleteSale(ctx context.Context, req domain.CreateSaleRequest) (*domain.Sale, error) {
	if err := validateSaleRequest(req); err != nil {
		return nil, err
	}

	cart, customer, err := s.buildCart(ctx, req.Items, req.CustomerID)
	if err != nil {
		return nil, err
	}
	if req.LoyaltyPointsToRedeem > 0 && customer == nil {
		return nil, domain.Validationf("loyalty points can only be redeemed for a known customer")
	}

	// 1. Discount verdict: a code wins, campaigns are only considered without one.
	verdict, err := s.chooseDiscount(ctx, req.DiscountCode, req.CampaignID, cart)
	if err != nil {
		return nil, err
	}

	// 2. Totals.
	priced := s.engine.Price(cart.Lines, verdict)

	now := s.now().UTC()
	sale := &domain.Sale{
		ID:             uuid.New(),
		CustomerID:     req.CustomerID,
		Subtotal:       priced.Subtotal,
		DiscountAmount: priced.DiscountAmount,
		TaxAmount:      priced.TaxAmount,
		TotalAmount:    priced.TotalAmount,
		PaymentMethod:  req.PaymentMethod,
		Status:         domain.SalePending,
		Notes:          strings.TrimSpace(req.Notes),
		OperatorID:     req.OperatorID,
		Items:          priced.Items,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if verdict != nil && priced.DiscountAmount > 0 {
		id := verdict.ID
		switch verdict.Source {
		case domain.SourceDiscountCode:
			sale.DiscountCodeID = &id
		case domain.SourceCampaign:
			sale.CampaignID = &id
		}
	}

	// 3. Tender.
	if err := applyTender(sale, req.CashReceived); err != nil {
		return nil, err
	}

	// 4. One atomic write.
	params := store.CommitSaleParams{Sale: sale}
	if customer != nil {
		params.Settle = func(locked domain.Customer) (domain.LoyaltyOutcome, error) {
			return s.ledger.Settle(locked, sale, req.LoyaltyPointsToRedeem)
		}
	}
	committed, err := s.repo.CommitSale(ctx, params)
	if err != nil {
		log.Printf("level=warn component=sale_service msg=\"sale commit rejected\" sale_id=%s kind=%s rule=%q err=%v", sale.ID, domain.KindOf(err), domain.RuleOf(err), err)
		return nil, normalizeStoreError(err)
	}

	log.Printf("level=info component=sale_service msg=\"sale completed\" sale_id=%s receipt=%s total=%d discount=%d points_earned=%d points_used=%d", committed.ID, committed.ReceiptNumber, committed.TotalAmount, committed.DiscountAmount, committed.LoyaltyPointsEarned, committed.LoyaltyPointsUsed)
	s.publish(ctx, domain.EventSaleCompleted, domain.NewSaleEvent(committed, now))
	return committed, nil
}

// RefundSale moves a COMPLETED sale to REFUNDED and reverses its loyalty effect with
// compensating ledger rows.
func (s *Service) RefundSale(ctx context.Context, saleID uuid.UUID, reason string) (*domain.Sale, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, domain.Validationf("refund reason is required")
	}

	sale, outcome, err := s.repo.RefundSale(ctx, store.RefundSaleParams{
		SaleID:  saleID,
		Reason:  reason,
		Reverse: s.ledger.Reverse,
	})
	if err != nil {
		if errors.Is(err, store.ErrInvalidStatusChange) {
			return nil, domain.Validationf("only completed sales can be refunded")
		}
		return nil, normalizeStoreError(err)
	}

	if outcome != nil {
		log.Printf("level=info component=sale_service msg=\"loyalty reversed\" sale_id=%s customer_id=%s balance_before=%d balance_after=%d", sale.ID, outcome.CustomerID, outcome.BalanceBefore, outcome.BalanceAfter)
	}
	log.Printf("level=info component=sale_service msg=\"sale refunded\" sale_id=%s receipt=%s", sale.ID, sale.ReceiptNumber)
	s.publish(ctx, domain.EventSaleRefunded, domain.NewSaleEvent(sale, s.now().UTC()))
	return sale, nil
}

// GetSale returns a sale with its items.
func (s *Service) GetSale(ctx context.Context, saleID uuid.UUID) (*domain.Sale, error) {
	return s.repo.FindSaleByID(ctx, saleID)
}

// GetDailySummary aggregates the completed sales of a day.
func (s *Service) GetDailySummary(ctx context.Context, day time.Time) (*domain.DailySummary, error) {
	return s.repo.GetDailySummary(ctx, day)
}

// buildCart prices the requested lines from the catalog and loads the customer, if any.
func (s *Service) buildCart(ctx context.Context, items []domain.SaleItemRequest, customerID *uuid.UUID) (domain.CartContext, *domain.Customer, error) {
	ids := make([]uuid.UUID, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ProductID)
	}
	products, err := s.repo.FindProductsByIDs(ctx, ids)
	if err != nil {
		return domain.CartContext{}, nil, domain.WrapError(domain.KindPersistence, "catalog lookup failed", err)
	}
	lines, err := pricing.BuildLines(items, products)
	if err != nil {
		return domain.CartContext{}, nil, err
	}

	cart := domain.CartContext{Lines: lines, Subtotal: pricing.Subtotal(lines)}
	if customerID == nil {
		return cart, nil, nil
	}

	customer, err := s.repo.FindCustomerByID(ctx, *customerID)
	if err != nil {
		if errors.Is(err, store.ErrCustomerNotFound) {
			return domain.CartContext{}, nil, domain.Validationf("customer %s not found", *customerID)
		}
		return domain.CartContext{}, nil, domain.WrapError(domain.KindPersistence, "customer lookup failed", err)
	}
	tier := customer.LoyaltyTier
	if !tier.Valid() {
		tier = domain.TierBronze
	}
	cart.CustomerID = &customer.ID
	cart.CustomerTier = &tier
	return cart, customer, nil
}

func (s *Service) chooseDiscount(ctx context.Context, code string, campaignID *uuid.UUID, cart domain.CartContext) (*domain.DiscountVerdict, error) {
	switch {
	case strings.TrimSpace(code) != "":
		return s.resolver.Resolve(ctx, code, cart)
	case campaignID != nil:
		return s.matcher.Apply(ctx, *campaignID, cart)
	default:
		return s.matcher.Best(ctx, cart)
	}
}

func (s *Service) publish(ctx context.Context, routingKey string, body interface{}) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.eventProducer.Publish(pubCtx, s.opts.EventsExchange, routingKey, body); err != nil {
		log.Printf("level=warn component=sale_service msg=\"event publish failed\" routing_key=%s err=%v", routingKey, err)
	}
}

func validateSaleRequest(req domain.CreateSaleRequest) error {
	if len(req.Items) == 0 {
		return domain.Validationf("sale must contain at least one item")
	}
	switch req.PaymentMethod {
	case domain.PaymentCash, domain.PaymentCard, domain.PaymentDigital:
	default:
		return domain.Validationf("unsupported payment method %q", req.PaymentMethod)
	}
	if strings.TrimSpace(req.DiscountCode) != "" && req.CampaignID != nil {
		return domain.Validationf("a discount code and a campaign cannot be combined on one sale")
	}
	if req.LoyaltyPointsToRedeem < 0 {
		return domain.Validationf("loyalty points to redeem cannot be negative")
	}
	if req.CashReceived != nil && *req.CashReceived < 0 {
		return domain.Validationf("cash received cannot be negative")
	}
	return nil
}

// applyTender records cash and change for CASH sales. Other methods never carry cash fields.
func applyTender(sale *domain.Sale, cashReceived *int64) error {
	if sale.PaymentMethod != domain.PaymentCash {
		sale.CashReceived = nil
		sale.ChangeGiven = nil
		return nil
	}
	if cashReceived == nil {
		return domain.Validationf("cash received is required for cash payments")
	}
	if *cashReceived < sale.TotalAmount {
		return domain.WrapError(domain.KindInsufficientPayment, domain.RuleInsufficientPayment,
			fmt.Errorf("tendered %d, total %d", *cashReceived, sale.TotalAmount))
	}
	cash := *cashReceived
	change := cash - sale.TotalAmount
	sale.CashReceived = &cash
	sale.ChangeGiven = &change
	return nil
}

// normalizeStoreError keeps typed errors and store sentinels, and classifies anything else as
// a persistence failure.
func normalizeStoreError(err error) error {
	if err == nil {
		return nil
	}
	if domain.KindOf(err) != "" {
		return err
	}
	for _, sentinel := range []error{
		store.ErrSaleNotFound, store.ErrCustomerNotFound, store.ErrDiscountCodeNotFound,
		store.ErrCampaignNotFound, store.ErrDuplicateDiscountCode, store.ErrInvalidStatusChange,
	} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	return domain.WrapError(domain.KindPersistence, "store operation failed", err)
}
