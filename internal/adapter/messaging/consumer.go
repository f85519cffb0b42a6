package messaging

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type ConsumerConfig struct {
	URL         string
	Exchange    string
	Queue       string
	BindingKeys []string
	Prefetch    int
	Workers     int
	Tag         string
}

// Consumer feeds a durable queue into a Dispatcher with manual
// acknowledgement. At most Prefetch deliveries are unacknowledged at once.
type Consumer struct {
	cfg        ConsumerConfig
	dispatcher *Dispatcher
	logger     logrus.FieldLogger
}

func NewConsumer(cfg ConsumerConfig, dispatcher *Dispatcher, logger logrus.FieldLogger) *Consumer {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Consumer{cfg: cfg, dispatcher: dispatcher, logger: logger}
}

// Run consumes until ctx is cancelled, reconnecting with backoff when the
// broker connection drops.
func (c *Consumer) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()

	err := backoff.RetryNotify(func() error {
		err := c.session(ctx, b.Reset)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = errors.New("delivery channel closed")
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		c.logger.WithError(err).WithField("retry_in", d).Warn("consumer disconnected")
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// session runs one connection's worth of consumption. connected is called
// once the queue is being consumed.
func (c *Consumer) session(ctx context.Context, connected func()) error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return errors.Wrap(err, "connect to broker")
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return errors.Wrap(err, "open channel")
	}
	defer ch.Close()

	if err := c.declare(ch); err != nil {
		return err
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return errors.Wrap(err, "set prefetch")
	}
	deliveries, err := ch.Consume(c.cfg.Queue, c.cfg.Tag, false, false, false, false, nil)
	if err != nil {
		return errors.Wrapf(err, "consume %s", c.cfg.Queue)
	}

	connected()
	c.logger.WithFields(logrus.Fields{
		"queue":    c.cfg.Queue,
		"prefetch": c.cfg.Prefetch,
		"workers":  c.cfg.Workers,
	}).Info("consuming")

	return c.serve(ctx, deliveries, func() error { return ch.Cancel(c.cfg.Tag, false) })
}

func (c *Consumer) declare(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(c.cfg.Exchange, exchangeKind, true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "declare exchange %s", c.cfg.Exchange)
	}
	if _, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "declare queue %s", c.cfg.Queue)
	}
	for _, key := range c.cfg.BindingKeys {
		if err := ch.QueueBind(c.cfg.Queue, key, c.cfg.Exchange, false, nil); err != nil {
			return errors.Wrapf(err, "bind %s to %s", c.cfg.Queue, key)
		}
	}
	return nil
}

// serve fans deliveries out to the workers. On cancellation it stops the
// subscription and lets the workers finish what was already delivered.
func (c *Consumer) serve(ctx context.Context, deliveries <-chan amqp.Delivery, stop func() error) error {
	handleCtx := context.WithoutCancel(ctx)

	var g errgroup.Group
	for i := 0; i < c.cfg.Workers; i++ {
		g.Go(func() error {
			for d := range deliveries {
				c.handle(handleCtx, d)
			}
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		if err := stop(); err != nil {
			c.logger.WithError(err).Warn("cancel subscription")
		}
		<-done
		c.logger.Info("consumer drained")
		return nil
	case <-done:
		return nil
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	var err error
	if c.dispatcher.Dispatch(ctx, d.Body) == Ack {
		err = d.Ack(false)
	} else {
		err = d.Nack(false, false)
	}
	if err != nil {
		c.logger.WithError(err).WithField("delivery_tag", d.DeliveryTag).Error("acknowledge delivery")
	}
}
