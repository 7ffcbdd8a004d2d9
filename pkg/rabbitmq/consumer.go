package rabbitmq

import (
	"fmt"
	"log"
	"net/url"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

const prefetch = 10

// Disposition is how a handler settles a delivery.
type Disposition int

const (
	// Ack removes the delivery; the message was applied or is a harmless duplicate.
	Ack Disposition = iota
	// Requeue returns the delivery for another attempt after a transient failure.
	Requeue
	// DeadLetter parks the delivery on the queue's dead-letter queue for inspection.
	DeadLetter
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	case DeadLetter:
		return "dead_letter"
	}
	return fmt.Sprintf("disposition(%d)", int(d))
}

// Handler processes one message body.
type Handler func(body []byte) Disposition

// Consumer binds handlers to routing keys on a durable queue. Unparseable or unroutable
// messages go to <queue>.dead through the <queue>.dlx exchange instead of being dropped.
type Consumer struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// DeadLetterNames returns the dead-letter exchange and queue declared alongside queueName.
func DeadLetterNames(queueName string) (exchange, queue string) {
	return queueName + ".dlx", queueName + ".dead"
}

func sanitizeURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	if !strings.HasSuffix(clean, "/") {
		clean += "/"
	}
	parsed, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "amqp" && parsed.Scheme != "amqps" {
		return "", fmt.Errorf("invalid AMQP scheme: %s", parsed.Scheme)
	}
	return clean, nil
}

func NewConsumer(amqpURL string) (*Consumer, error) {
	cleanURL, err := sanitizeURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.Dial(cleanURL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, ch: ch}, nil
}

func (c *Consumer) ConsumeWithBindings(exchange, queueName string, bindings map[string]Handler) error {
	if len(bindings) == 0 {
		return fmt.Errorf("no bindings provided")
	}

	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}

	dlx, deadQueue := DeadLetterNames(queueName)
	if err := c.ch.ExchangeDeclare(dlx, "fanout", true, false, false, false, nil); err != nil {
		return err
	}
	if _, err := c.ch.QueueDeclare(deadQueue, true, false, false, false, nil); err != nil {
		return err
	}
	if err := c.ch.QueueBind(deadQueue, "", dlx, false, nil); err != nil {
		return err
	}

	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange": dlx,
	})
	if err != nil {
		return err
	}

	if err := c.ch.Qos(prefetch, 0, false); err != nil {
		return err
	}

	handlers := make(map[string]Handler)
	for routingKey, handler := range bindings {
		if handler == nil {
			continue
		}
		handlers[routingKey] = handler
		if err := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return err
		}
	}

	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	go func() {
		for d := range msgs {
			if err := dispatch(handlers, d); err != nil {
				log.Printf("level=error component=rabbitmq_consumer msg=\"settle failed\" routing_key=%s err=%v", d.RoutingKey, err)
			}
		}
	}()

	return nil
}

// dispatch runs the handler bound to the delivery's routing key and settles the delivery. A
// delivery that fails again after a requeue is dead-lettered so it cannot loop on the queue.
func dispatch(handlers map[string]Handler, d amqp.Delivery) error {
	disposition := DeadLetter
	if handler, ok := handlers[d.RoutingKey]; ok {
		disposition = handler(d.Body)
	} else {
		log.Printf("level=warn component=rabbitmq_consumer msg=\"no handler; dead-lettering\" routing_key=%s", d.RoutingKey)
	}
	if disposition == Requeue && d.Redelivered {
		log.Printf("level=warn component=rabbitmq_consumer msg=\"redelivery failed again; dead-lettering\" routing_key=%s", d.RoutingKey)
		disposition = DeadLetter
	}

	switch disposition {
	case Ack:
		return d.Ack(false)
	case Requeue:
		log.Printf("level=warn component=rabbitmq_consumer msg=\"handler failed; requeuing\" routing_key=%s", d.RoutingKey)
		return d.Nack(false, true)
	default:
		return d.Nack(false, false)
	}
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}

