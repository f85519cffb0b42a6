package service

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/order-fulfillment/internal/core/domain"
	"github.com/rl1809/order-fulfillment/internal/metrics"
)

func addOutbox(t *testing.T, repo *mockOrderRepo, routingKey string, age time.Duration) domain.Event {
	t.Helper()
	eventType := domain.EventTypeOrderCreated
	if routingKey == domain.RoutingKeyOrderStatusChanged {
		eventType = domain.EventTypeOrderStatusChanged
	}
	event, err := domain.NewEvent(eventType, "order-service", map[string]int{"order_id": 1})
	require.NoError(t, err)
	msg, err := domain.NewOutboxMessage(event, routingKey)
	require.NoError(t, err)
	msg.CreatedAt = time.Now().UTC().Add(-age)
	require.NoError(t, repo.AddOutbox(context.Background(), &msg))
	return event
}

func newTestRelay(repo *mockOrderRepo, publisher *mockPublisher) *OutboxRelay {
	logger, _ := test.NewNullLogger()
	return NewOutboxRelay(repo, publisher, metrics.NewRegistry(), logger, time.Second, 10)
}

func TestOutboxRelay_RepublishesWithOriginalEventID(t *testing.T) {
	repo := newMockOrderRepo()
	publisher := &mockPublisher{}
	created := addOutbox(t, repo, domain.RoutingKeyOrderCreated, time.Minute)
	changed := addOutbox(t, repo, domain.RoutingKeyOrderStatusChanged, time.Minute)

	sent, err := newTestRelay(repo, publisher).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sent)

	events := publisher.events()
	require.Len(t, events, 2)
	assert.Equal(t, created.EventID, events[0].event.EventID)
	assert.True(t, events[0].opts.Mandatory)
	assert.Equal(t, changed.EventID, events[1].event.EventID)
	assert.False(t, events[1].opts.Mandatory)

	for _, msg := range repo.outboxMessages() {
		assert.Equal(t, domain.OutboxStatusSent, msg.Status)
		assert.NotNil(t, msg.SentAt)
	}
}

func TestOutboxRelay_SkipsFreshMessages(t *testing.T) {
	repo := newMockOrderRepo()
	publisher := &mockPublisher{}
	addOutbox(t, repo, domain.RoutingKeyOrderCreated, 0)

	sent, err := newTestRelay(repo, publisher).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Empty(t, publisher.events())
}

// stepClock lets a test move the relay's notion of now.
type stepClock struct{ now time.Time }

func (c *stepClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func TestOutboxRelay_FailureBacksOff(t *testing.T) {
	repo := newMockOrderRepo()
	publisher := &mockPublisher{err: errors.New("no route")}
	addOutbox(t, repo, domain.RoutingKeyOrderCreated, time.Minute)
	relay := newTestRelay(repo, publisher)
	clock := &stepClock{now: time.Now().UTC()}
	relay.now = func() time.Time { return clock.now }

	attempts := func() int { return repo.outboxMessages()[0].Attempts }

	steps := []struct {
		advance time.Duration
		want    int
	}{
		{0, 1},               // first failure, next try in 1s
		{0, 1},               // not due yet
		{time.Second, 2},     // due, next try in 2s
		{time.Second, 2},     // not due yet
		{time.Second, 3},     // due, next try in 4s
		{3 * time.Second, 3}, // not due yet
	}
	for i, step := range steps {
		clock.advance(step.advance)
		sent, err := relay.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Zero(t, sent)
		assert.Equal(t, step.want, attempts(), "step %d", i)
	}

	msgs := repo.outboxMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.OutboxStatusPending, msgs[0].Status)
	assert.Equal(t, "no route", msgs[0].LastError)

	publisher.setErr(nil)
	clock.advance(time.Second)
	sent, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
}

func TestOutboxRelay_ParksAfterMaxAttempts(t *testing.T) {
	repo := newMockOrderRepo()
	publisher := &mockPublisher{err: errors.New("no route")}
	addOutbox(t, repo, domain.RoutingKeyOrderCreated, time.Minute)
	logger, _ := test.NewNullLogger()
	m := metrics.NewRegistry()
	relay := NewOutboxRelay(repo, publisher, m, logger, time.Second, 10, WithRetryLimits(3, time.Minute))
	clock := &stepClock{now: time.Now().UTC()}
	relay.now = func() time.Time { return clock.now }

	for i := 0; i < 5; i++ {
		_, err := relay.RunOnce(context.Background())
		require.NoError(t, err)
		clock.advance(time.Hour)
	}

	msg := repo.outboxMessages()[0]
	assert.Equal(t, domain.OutboxStatusParked, msg.Status)
	assert.Equal(t, 3, msg.Attempts)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OutboxParked))

	publisher.setErr(nil)
	sent, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Empty(t, publisher.events())
}

func TestOutboxRelay_RetryDelay(t *testing.T) {
	repo := newMockOrderRepo()
	logger, _ := test.NewNullLogger()
	relay := NewOutboxRelay(repo, &mockPublisher{}, metrics.NewRegistry(), logger, time.Second, 10, WithRetryLimits(0, 5*time.Second))

	for attempts, want := range map[int]time.Duration{
		1:  time.Second,
		2:  2 * time.Second,
		3:  4 * time.Second,
		4:  5 * time.Second,
		40: 5 * time.Second,
	} {
		assert.Equal(t, want, relay.retryDelay(attempts), "attempts %d", attempts)
	}
}

func TestOutboxRelay_CorruptPayload(t *testing.T) {
	repo := newMockOrderRepo()
	publisher := &mockPublisher{}
	msg := domain.OutboxMessage{
		EventID:    "broken",
		EventType:  domain.EventTypeOrderCreated,
		RoutingKey: domain.RoutingKeyOrderCreated,
		Payload:    []byte("{not json"),
		Status:     domain.OutboxStatusPending,
		CreatedAt:  time.Now().Add(-time.Minute),
	}
	require.NoError(t, repo.AddOutbox(context.Background(), &msg))

	sent, err := newTestRelay(repo, publisher).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Empty(t, publisher.events())
	assert.Equal(t, 1, repo.outboxMessages()[0].Attempts)
	assert.Equal(t, domain.OutboxStatusParked, repo.outboxMessages()[0].Status)
}

func TestOutboxRelay_RunStopsOnCancel(t *testing.T) {
	repo := newMockOrderRepo()
	relay := newTestRelay(repo, &mockPublisher{})
	relay.interval = 5 * time.Millisecond

	addOutbox(t, repo, domain.RoutingKeyOrderCreated, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()
	require.Eventually(t, func() bool {
		return repo.outboxMessages()[0].Status == domain.OutboxStatusSent
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}
