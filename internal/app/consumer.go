package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/cafepos/sale-service/internal/domain"
	"github.com/cafepos/sale-service/internal/store"
	"github.com/cafepos/sale-service/pkg/rabbitmq"
	"github.com/google/uuid"
)

// Refunder is the slice of the service the refund consumer drives.
type Refunder interface {
	RefundSale(ctx context.Context, saleID uuid.UUID, reason string) (*domain.Sale, error)
}

// RefundRequestConsumer applies sale.refund.requested events from upstream payment systems.
type RefundRequestConsumer struct {
	refunder Refunder
}

func NewRefundRequestConsumer(refunder Refunder) *RefundRequestConsumer {
	return &RefundRequestConsumer{refunder: refunder}
}

// HandleMessage settles a refund request. Payloads that can never apply are dead-lettered,
// only retryable failures requeue, and everything else is acknowledged.
func (c *RefundRequestConsumer) HandleMessage(body []byte) rabbitmq.Disposition {
	var event domain.RefundRequestedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=refund_consumer msg=\"failed to unmarshal payload; dead-lettering\" err=%v", err)
		return rabbitmq.DeadLetter
	}
	if event.SaleID == uuid.Nil {
		log.Printf("level=warn component=refund_consumer msg=\"missing sale id; dead-lettering\" event=%+v", event)
		return rabbitmq.DeadLetter
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	reason := strings.TrimSpace(event.Reason)
	if reason == "" {
		reason = "refund requested"
	}

	if _, err := c.refunder.RefundSale(ctx, event.SaleID, reason); err != nil {
		switch {
		case errors.Is(err, store.ErrSaleNotFound):
			log.Printf("level=warn component=refund_consumer msg=\"sale not found; acknowledging\" sale_id=%s", event.SaleID)
			return rabbitmq.Ack
		case domain.Retryable(err):
			log.Printf("level=warn component=refund_consumer msg=\"refund failed; requeuing\" sale_id=%s err=%v", event.SaleID, err)
			return rabbitmq.Requeue
		default:
			log.Printf("level=warn component=refund_consumer msg=\"refund rejected; acknowledging\" sale_id=%s err=%v", event.SaleID, err)
			return rabbitmq.Ack
		}
	}
	return rabbitmq.Ack
}
