package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/cafepos/sale-service/internal/domain"
	"github.com/cafepos/sale-service/internal/store"
	"github.com/cafepos/sale-service/pkg/rabbitmq"
	"github.com/google/uuid"
)

type stubRefunder struct {
	err    error
	calls  int
	reason string
}

func (s *stubRefunder) RefundSale(ctx context.Context, saleID uuid.UUID, reason string) (*domain.Sale, error) {
	s.calls++
	s.reason = reason
	if s.err != nil {
		return nil, s.err
	}
	return &domain.Sale{ID: saleID, Status: domain.SaleRefunded}, nil
}

func refundPayload(t *testing.T, saleID uuid.UUID, reason string) []byte {
	t.Helper()
	body, err := json.Marshal(domain.RefundRequestedEvent{SaleID: saleID, Reason: reason})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return body
}

func TestRefundRequestConsumer_HandleMessage(t *testing.T) {
	tests := []struct {
		name      string
		body      func(t *testing.T) []byte
		err       error
		want      rabbitmq.Disposition
		wantCalls int
	}{
		{
			name:      "malformed payload is dead-lettered",
			body:      func(t *testing.T) []byte { return []byte("{not-json") },
			want:      rabbitmq.DeadLetter,
			wantCalls: 0,
		},
		{
			name:      "missing sale id is dead-lettered",
			body:      func(t *testing.T) []byte { return refundPayload(t, uuid.Nil, "x") },
			want:      rabbitmq.DeadLetter,
			wantCalls: 0,
		},
		{
			name:      "successful refund acks",
			body:      func(t *testing.T) []byte { return refundPayload(t, uuid.New(), "damaged cup") },
			want:      rabbitmq.Ack,
			wantCalls: 1,
		},
		{
			name:      "unknown sale acks",
			body:      func(t *testing.T) []byte { return refundPayload(t, uuid.New(), "x") },
			err:       store.ErrSaleNotFound,
			want:      rabbitmq.Ack,
			wantCalls: 1,
		},
		{
			name:      "business rejection acks",
			body:      func(t *testing.T) []byte { return refundPayload(t, uuid.New(), "x") },
			err:       domain.Validationf("only completed sales can be refunded"),
			want:      rabbitmq.Ack,
			wantCalls: 1,
		},
		{
			name:      "concurrency conflict requeues",
			body:      func(t *testing.T) []byte { return refundPayload(t, uuid.New(), "x") },
			err:       domain.WrapError(domain.KindConcurrencyConflict, "serialization failure", errors.New("40001")),
			want:      rabbitmq.Requeue,
			wantCalls: 1,
		},
		{
			name:      "persistence failure requeues",
			body:      func(t *testing.T) []byte { return refundPayload(t, uuid.New(), "x") },
			err:       domain.WrapError(domain.KindPersistence, "store operation failed", errors.New("down")),
			want:      rabbitmq.Requeue,
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			refunder := &stubRefunder{err: tt.err}
			consumer := NewRefundRequestConsumer(refunder)
			if got := consumer.HandleMessage(tt.body(t)); got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
			if refunder.calls != tt.wantCalls {
				t.Fatalf("expected %d refund calls, got %d", tt.wantCalls, refunder.calls)
			}
		})
	}
}

func TestRefundRequestConsumer_DefaultsReason(t *testing.T) {
	refunder := &stubRefunder{}
	consumer := NewRefundRequestConsumer(refunder)
	if got := consumer.HandleMessage(refundPayload(t, uuid.New(), "   ")); got != rabbitmq.Ack {
		t.Fatalf("expected ack, got %s", got)
	}
	if refunder.reason != "refund requested" {
		t.Fatalf("expected default reason, got %q", refunder.reason)
	}
}

func TestRefundRequestConsumer_EndToEnd(t *testing.T) {
	repo := newMemoryRepository()
	product := repo.addProduct(500, 5)
	svc, _ := newTestService(repo, "0")
	sale, err := svc.CompleteSale(context.Background(), cardSale(domain.SaleItemRequest{ProductID: product.ID, Quantity: 1}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	consumer := NewRefundRequestConsumer(svc)
	if got := consumer.HandleMessage(refundPayload(t, sale.ID, "chargeback")); got != rabbitmq.Ack {
		t.Fatalf("expected ack, got %s", got)
	}
	stored, err := svc.GetSale(context.Background(), sale.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored.Status != domain.SaleRefunded {
		t.Fatalf("expected REFUNDED, got %s", stored.Status)
	}

	// Redelivery of the same event is acknowledged without a second refund.
	if got := consumer.HandleMessage(refundPayload(t, sale.ID, "chargeback")); got != rabbitmq.Ack {
		t.Fatalf("expected redelivery to be acked, got %s", got)
	}
}
