package app

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cafepos/sale-service/internal/domain"
	"github.com/cafepos/sale-service/internal/store"
	"github.com/google/uuid"
)

// memoryRepository is an in-process stand-in for PostgresRepository. A single mutex plays the
// role of the commit transaction: guards are evaluated and effects applied while it is held, and
// nothing is applied when any step fails.
type memoryRepository struct {
	store.Repository

	mu             sync.Mutex
	products       map[uuid.UUID]domain.Product
	customers      map[uuid.UUID]domain.Customer
	codes          map[uuid.UUID]domain.DiscountCode
	campaigns      map[uuid.UUID]domain.Campaign
	participations map[uuid.UUID]map[uuid.UUID]int
	sales          map[uuid.UUID]domain.Sale
	ledger         []domain.LoyaltyTransaction
	receiptSeq     int

	// commitErr simulates a store failure after every guard passed.
	commitErr error
	// duplicateCodes makes the next n code inserts report a collision.
	duplicateCodes int
	// beforeCommit runs between discount selection and the commit, like a concurrent admin.
	beforeCommit func()
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{
		products:       map[uuid.UUID]domain.Product{},
		customers:      map[uuid.UUID]domain.Customer{},
		codes:          map[uuid.UUID]domain.DiscountCode{},
		campaigns:      map[uuid.UUID]domain.Campaign{},
		participations: map[uuid.UUID]map[uuid.UUID]int{},
		sales:          map[uuid.UUID]domain.Sale{},
	}
}

func (m *memoryRepository) addProduct(price int64, stock int) domain.Product {
	p := domain.Product{ID: uuid.New(), Name: "item", Price: price, Stock: stock, CategoryID: uuid.New(), IsAvailable: true}
	m.products[p.ID] = p
	return p
}

// addCustomer seeds a customer whose opening balance is backed by a ledger row.
func (m *memoryRepository) addCustomer(points int64, tier domain.LoyaltyTier) domain.Customer {
	c := domain.Customer{ID: uuid.New(), Name: "regular", LoyaltyPoints: points, LoyaltyTier: tier}
	m.customers[c.ID] = c
	if points > 0 {
		m.ledger = append(m.ledger, domain.LoyaltyTransaction{
			ID: uuid.New(), CustomerID: c.ID, Type: domain.LoyaltySignupBonus, Points: points, CreatedAt: time.Now(),
		})
	}
	return c
}

func (m *memoryRepository) addCode(dc domain.DiscountCode) domain.DiscountCode {
	if dc.ID == uuid.Nil {
		dc.ID = uuid.New()
	}
	dc.IsActive = true
	m.codes[dc.ID] = dc
	return dc
}

func (m *memoryRepository) addCampaign(c domain.Campaign) domain.Campaign {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	m.campaigns[c.ID] = c
	return c
}

func (m *memoryRepository) customer(id uuid.UUID) domain.Customer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.customers[id]
}

func (m *memoryRepository) code(id uuid.UUID) domain.DiscountCode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.codes[id]
}

func (m *memoryRepository) ledgerSum(customerID uuid.UUID) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum int64
	for _, e := range m.ledger {
		if e.CustomerID == customerID {
			sum += e.Points
		}
	}
	return sum
}

func (m *memoryRepository) saleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sales)
}

func (m *memoryRepository) FindProductsByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]domain.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uuid.UUID]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := m.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (m *memoryRepository) FindCustomerByID(ctx context.Context, id uuid.UUID) (*domain.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.customers[id]
	if !ok {
		return nil, store.ErrCustomerNotFound
	}
	return &c, nil
}

func (m *memoryRepository) FindDiscountCodeByCode(ctx context.Context, code string) (*domain.DiscountCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, dc := range m.codes {
		if dc.Code == code {
			dc := dc
			return &dc, nil
		}
	}
	return nil, store.ErrDiscountCodeNotFound
}

func (m *memoryRepository) CreateDiscountCode(ctx context.Context, dc *domain.DiscountCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.duplicateCodes > 0 {
		m.duplicateCodes--
		return store.ErrDuplicateDiscountCode
	}
	for _, existing := range m.codes {
		if existing.Code == dc.Code {
			return store.ErrDuplicateDiscountCode
		}
	}
	m.codes[dc.ID] = *dc
	return nil
}

func (m *memoryRepository) CreateCampaign(ctx context.Context, c *domain.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.campaigns[c.ID] = *c
	return nil
}

func (m *memoryRepository) UpdateCampaignStatus(ctx context.Context, id uuid.UUID, from []domain.CampaignStatus, next domain.CampaignStatus) (*domain.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, store.ErrCampaignNotFound
	}
	allowed := false
	for _, s := range from {
		if c.Status == s {
			allowed = true
		}
	}
	if !allowed {
		return nil, store.ErrInvalidStatusChange
	}
	c.Status = next
	c.IsActive = next == domain.CampaignActive
	m.campaigns[id] = c
	return &c, nil
}

func (m *memoryRepository) FindCampaignByID(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, store.ErrCampaignNotFound
	}
	return &c, nil
}

func (m *memoryRepository) ListActiveCampaigns(ctx context.Context, now time.Time) ([]domain.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Campaign, 0)
	for _, c := range m.campaigns {
		if c.Status == domain.CampaignActive && c.IsActive && c.InWindow(now) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.Before(out[j].StartDate) })
	return out, nil
}

func (m *memoryRepository) FindCampaignParticipations(ctx context.Context, customerID uuid.UUID, campaignIDs []uuid.UUID) (map[uuid.UUID]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[uuid.UUID]int{}
	for _, id := range campaignIDs {
		if n, ok := m.participations[id][customerID]; ok {
			out[id] = n
		}
	}
	return out, nil
}

func (m *memoryRepository) CommitSale(ctx context.Context, params store.CommitSaleParams) (*domain.Sale, error) {
	if m.beforeCommit != nil {
		m.beforeCommit()
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	sale := *params.Sale
	var code domain.DiscountCode
	if sale.DiscountCodeID != nil {
		code = m.codes[*sale.DiscountCodeID]
		if code.UsageLimit != nil && code.UsageCount >= *code.UsageLimit {
			return nil, domain.NewError(domain.KindUsageExhausted, domain.RuleCodeExhausted)
		}
	}
	var campaign domain.Campaign
	if sale.CampaignID != nil {
		campaign = m.campaigns[*sale.CampaignID]
		exhausted := campaign.UsageLimit != nil && campaign.UsageCount >= *campaign.UsageLimit
		if campaign.Status != domain.CampaignActive || !campaign.IsActive || exhausted {
			return nil, store.CampaignIncrementRejection(campaign.Status, campaign.IsActive, campaign.UsageCount, campaign.UsageLimit)
		}
		if sale.CustomerID != nil && campaign.UsageLimit != nil && m.participations[campaign.ID][*sale.CustomerID] >= *campaign.UsageLimit {
			return nil, domain.NewError(domain.KindUsageExhausted, domain.RuleCampaignCustomerCap)
		}
	}

	m.receiptSeq++
	params.Sale.ReceiptNumber = fmt.Sprintf("RCP-%s-%04d", sale.CreatedAt.Format("20060102"), m.receiptSeq)
	sale.ReceiptNumber = params.Sale.ReceiptNumber

	var outcome *domain.LoyaltyOutcome
	if sale.CustomerID != nil && params.Settle != nil {
		c, ok := m.customers[*sale.CustomerID]
		if !ok {
			m.receiptSeq--
			return nil, store.ErrCustomerNotFound
		}
		settled, err := params.Settle(c)
		if err != nil {
			m.receiptSeq--
			return nil, err
		}
		outcome = &settled
		sale.LoyaltyPointsEarned = settled.PointsEarned
		sale.LoyaltyPointsUsed = settled.PointsRedeemed
	}

	if m.commitErr != nil {
		m.receiptSeq--
		return nil, m.commitErr
	}

	if sale.DiscountCodeID != nil {
		code.UsageCount++
		m.codes[code.ID] = code
	}
	if sale.CampaignID != nil {
		campaign.UsageCount++
		m.campaigns[campaign.ID] = campaign
		if sale.CustomerID != nil {
			if m.participations[campaign.ID] == nil {
				m.participations[campaign.ID] = map[uuid.UUID]int{}
			}
			m.participations[campaign.ID][*sale.CustomerID]++
		}
	}
	if outcome != nil {
		m.applyOutcome(*outcome)
	}

	sale.Status = domain.SaleCompleted
	m.sales[sale.ID] = sale
	*params.Sale = sale
	return &sale, nil
}

func (m *memoryRepository) RefundSale(ctx context.Context, params store.RefundSaleParams) (*domain.Sale, *domain.LoyaltyOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sale, ok := m.sales[params.SaleID]
	if !ok {
		return nil, nil, store.ErrSaleNotFound
	}
	if !sale.Status.CanTransitionTo(domain.SaleRefunded) {
		return nil, nil, store.ErrInvalidStatusChange
	}

	var outcome *domain.LoyaltyOutcome
	if sale.CustomerID != nil && params.Reverse != nil {
		reversed, err := params.Reverse(m.customers[*sale.CustomerID], &sale)
		if err != nil {
			return nil, nil, err
		}
		m.applyOutcome(reversed)
		outcome = &reversed
	}

	now := time.Now().UTC()
	sale.Status = domain.SaleRefunded
	sale.RefundedAt = &now
	m.sales[sale.ID] = sale
	return &sale, outcome, nil
}

func (m *memoryRepository) FindSaleByID(ctx context.Context, id uuid.UUID) (*domain.Sale, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sale, ok := m.sales[id]
	if !ok {
		return nil, store.ErrSaleNotFound
	}
	return &sale, nil
}

func (m *memoryRepository) PostLoyaltyOutcome(ctx context.Context, customerID uuid.UUID, settle store.SettleFunc) (*domain.LoyaltyOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.customers[customerID]
	if !ok {
		return nil, store.ErrCustomerNotFound
	}
	outcome, err := settle(c)
	if err != nil {
		return nil, err
	}
	m.applyOutcome(outcome)
	return &outcome, nil
}

func (m *memoryRepository) ListLoyaltyTransactions(ctx context.Context, customerID uuid.UUID, limit int) ([]domain.LoyaltyTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.LoyaltyTransaction, 0)
	for i := len(m.ledger) - 1; i >= 0 && len(out) < limit; i-- {
		if m.ledger[i].CustomerID == customerID {
			out = append(out, m.ledger[i])
		}
	}
	return out, nil
}

func (m *memoryRepository) FindCustomersWithExpiringPoints(ctx context.Context, inactiveSince time.Time, limit int) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]uuid.UUID, 0)
	for id, c := range m.customers {
		if c.LoyaltyPoints > 0 && (c.LastVisit == nil || c.LastVisit.Before(inactiveSince)) && len(ids) < limit {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *memoryRepository) applyOutcome(outcome domain.LoyaltyOutcome) {
	m.customers[outcome.CustomerID] = outcome.Apply(m.customers[outcome.CustomerID])
	m.ledger = append(m.ledger, outcome.Entries...)
}

// recordingPublisher captures published routing keys.
type recordingPublisher struct {
	mu   sync.Mutex
	keys []string
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, routingKey)
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.keys...)
}
