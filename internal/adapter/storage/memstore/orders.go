package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/rl1809/order-fulfillment/internal/core/domain"
	"github.com/rl1809/order-fulfillment/internal/port"
)

type OrderStore struct {
	mu        sync.Mutex
	orders    map[int64]domain.Order
	outbox    []domain.OutboxMessage
	nextOrder int64
	nextMsg   int64
}

var _ port.OrderRepository = (*OrderStore)(nil)

func NewOrderStore() *OrderStore {
	return &OrderStore{orders: make(map[int64]domain.Order)}
}

func (s *OrderStore) WithinTx(ctx context.Context, fn func(tx port.OrderTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &orderTx{store: s, orders: make(map[int64]domain.Order), nextOrder: s.nextOrder, nextMsg: s.nextMsg}
	if err := fn(tx); err != nil {
		return err
	}
	for id, o := range tx.orders {
		s.orders[id] = o
	}
	s.outbox = append(s.outbox, tx.outbox...)
	s.nextOrder, s.nextMsg = tx.nextOrder, tx.nextMsg
	return nil
}

func (s *OrderStore) GetOrder(ctx context.Context, id int64) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "order %d", id)
	}
	return &o, nil
}

func (s *OrderStore) ListOrders(ctx context.Context, skip, limit int) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.sorted(func(domain.Order) bool { return true })
	if skip >= len(all) {
		return []domain.Order{}, nil
	}
	all = all[skip:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *OrderStore) CountOrders(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders), nil
}

func (s *OrderStore) OrdersByCustomer(ctx context.Context, email string) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sorted(func(o domain.Order) bool { return o.CustomerEmail == email }), nil
}

func (s *OrderStore) PendingOutbox(ctx context.Context, createdBefore, now time.Time, limit int) ([]domain.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.OutboxMessage
	for _, m := range s.outbox {
		if len(out) == limit {
			break
		}
		if m.Status == domain.OutboxStatusPending && m.CreatedAt.Before(createdBefore) && !m.NextAttemptAt.After(now) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *OrderStore) MarkOutboxSent(ctx context.Context, id int64) error {
	return s.updateOutbox(id, func(m *domain.OutboxMessage) {
		now := time.Now().UTC()
		m.Status = domain.OutboxStatusSent
		m.SentAt = &now
	})
}

func (s *OrderStore) MarkOutboxFailed(ctx context.Context, id int64, reason string, retryAt time.Time) error {
	return s.updateOutbox(id, func(m *domain.OutboxMessage) {
		m.Attempts++
		m.LastError = reason
		m.NextAttemptAt = retryAt
	})
}

func (s *OrderStore) ParkOutbox(ctx context.Context, id int64, reason string) error {
	return s.updateOutbox(id, func(m *domain.OutboxMessage) {
		m.Attempts++
		m.LastError = reason
		m.Status = domain.OutboxStatusParked
	})
}

func (s *OrderStore) updateOutbox(id int64, fn func(*domain.OutboxMessage)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if s.outbox[i].ID == id {
			fn(&s.outbox[i])
			return nil
		}
	}
	return errors.Wrapf(domain.ErrNotFound, "outbox %d", id)
}

func (s *OrderStore) sorted(keep func(domain.Order) bool) []domain.Order {
	out := make([]domain.Order, 0, len(s.orders))
	for _, o := range s.orders {
		if keep(o) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type orderTx struct {
	store     *OrderStore
	orders    map[int64]domain.Order
	outbox    []domain.OutboxMessage
	nextOrder int64
	nextMsg   int64
}

func (tx *orderTx) CreateOrder(ctx context.Context, order *domain.Order) error {
	tx.nextOrder++
	order.ID = tx.nextOrder
	tx.orders[order.ID] = *order
	return nil
}

func (tx *orderTx) LockOrder(ctx context.Context, id int64) (*domain.Order, error) {
	o, ok := tx.orders[id]
	if !ok {
		o, ok = tx.store.orders[id]
	}
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "order %d", id)
	}
	return &o, nil
}

func (tx *orderTx) UpdateOrderStatus(ctx context.Context, id int64, status domain.OrderStatus, updatedAt time.Time) error {
	o, err := tx.LockOrder(ctx, id)
	if err != nil {
		return err
	}
	o.Status = status
	o.UpdatedAt = updatedAt
	tx.orders[id] = *o
	return nil
}

func (tx *orderTx) AddOutbox(ctx context.Context, msg *domain.OutboxMessage) error {
	tx.nextMsg++
	msg.ID = tx.nextMsg
	tx.outbox = append(tx.outbox, *msg)
	return nil
}
