package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/rl1809/order-fulfillment/internal/core/domain"
	"github.com/rl1809/order-fulfillment/internal/port"
)

const exchangeKind = "topic"

var (
	ErrUnroutable = errors.New("message could not be routed to any queue")
	ErrNacked     = errors.New("broker rejected the message")
)

// Publisher sends events to a durable topic exchange. The channel runs in
// confirm mode; calls are serialized so a returned message can be matched to
// the publish that caused it.
type Publisher struct {
	url            string
	exchange       string
	confirmTimeout time.Duration
	logger         logrus.FieldLogger

	mu      sync.Mutex
	conn    *amqp.Connection
	ch      *amqp.Channel
	returns chan amqp.Return
}

var _ port.EventPublisher = (*Publisher)(nil)

func NewPublisher(url, exchange string, confirmTimeout time.Duration, logger logrus.FieldLogger) *Publisher {
	return &Publisher{
		url:            url,
		exchange:       exchange,
		confirmTimeout: confirmTimeout,
		logger:         logger,
	}
}

func (p *Publisher) Publish(ctx context.Context, event domain.Event, routingKey string, opts port.PublishOptions) error {
	body, err := event.Marshal()
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, routingKey, opts.Mandatory, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     event.EventID,
		CorrelationId: event.EventID,
		Type:          event.EventType,
		AppId:         event.Source,
		Timestamp:     time.Now().UTC(),
		Body:          body,
	})
	if err != nil {
		p.reset()
		return errors.Wrapf(err, "publish %s", event.EventType)
	}

	// A mandatory publish also waits: the return for an unroutable message
	// is only guaranteed to have arrived once the broker has confirmed it.
	if opts.RequireConfirm || opts.Mandatory {
		acked, err := confirm.WaitContext(ctx)
		if err != nil {
			p.reset()
			return errors.Wrapf(err, "wait for confirm of %s", event.EventID)
		}
		if !acked {
			return errors.Wrapf(ErrNacked, "event %s", event.EventID)
		}
	}

	if p.returned(event.EventID) && opts.Mandatory {
		return errors.Wrapf(ErrUnroutable, "routing key %s", routingKey)
	}

	p.logger.WithFields(logrus.Fields{
		"event_type":  event.EventType,
		"event_id":    event.EventID,
		"routing_key": routingKey,
	}).Debug("event published")
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn, p.ch = nil, nil
	return err
}

// channel returns the open channel, dialing and declaring the exchange first
// when there is none. Caller holds p.mu.
func (p *Publisher) channel() (*amqp.Channel, error) {
	if p.conn != nil && !p.conn.IsClosed() && p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	p.reset()

	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, errors.Wrap(err, "connect to broker")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "open channel")
	}
	if err := ch.ExchangeDeclare(p.exchange, exchangeKind, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "declare exchange %s", p.exchange)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "enable publisher confirms")
	}

	p.returns = ch.NotifyReturn(make(chan amqp.Return, 16))
	p.conn, p.ch = conn, ch
	p.logger.WithField("exchange", p.exchange).Info("publisher connected")
	return ch, nil
}

// returned drains buffered returns and reports whether one matches messageID.
func (p *Publisher) returned(messageID string) bool {
	found := false
	for {
		select {
		case ret, ok := <-p.returns:
			if !ok {
				return found
			}
			if ret.MessageId == messageID {
				found = true
			}
		default:
			return found
		}
	}
}

func (p *Publisher) reset() {
	if p.conn != nil {
		p.conn.Close()
	}
	p.conn, p.ch, p.returns = nil, nil, nil
}
