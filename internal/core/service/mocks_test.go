package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/rl1809/order-fulfillment/internal/core/domain"
	"github.com/rl1809/order-fulfillment/internal/port"
)

// Mock OrderRepository, also used as its own transaction handle
type mockOrderRepo struct {
	mu        sync.Mutex
	orders    map[int64]domain.Order
	outbox    []domain.OutboxMessage
	nextOrder int64
	nextMsg   int64
	createErr error
}

func newMockOrderRepo() *mockOrderRepo {
	return &mockOrderRepo{orders: make(map[int64]domain.Order)}
}

func (m *mockOrderRepo) WithinTx(ctx context.Context, fn func(tx port.OrderTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	orders := make(map[int64]domain.Order, len(m.orders))
	for id, o := range m.orders {
		orders[id] = o
	}
	outbox := append([]domain.OutboxMessage(nil), m.outbox...)
	nextOrder, nextMsg := m.nextOrder, m.nextMsg

	if err := fn(m); err != nil {
		m.orders, m.outbox, m.nextOrder, m.nextMsg = orders, outbox, nextOrder, nextMsg
		return err
	}
	return nil
}

func (m *mockOrderRepo) CreateOrder(ctx context.Context, order *domain.Order) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.nextOrder++
	order.ID = m.nextOrder
	m.orders[order.ID] = *order
	return nil
}

func (m *mockOrderRepo) LockOrder(ctx context.Context, id int64) (*domain.Order, error) {
	o, ok := m.orders[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "order %d", id)
	}
	return &o, nil
}

func (m *mockOrderRepo) UpdateOrderStatus(ctx context.Context, id int64, status domain.OrderStatus, updatedAt time.Time) error {
	o := m.orders[id]
	o.Status = status
	o.UpdatedAt = updatedAt
	m.orders[id] = o
	return nil
}

func (m *mockOrderRepo) AddOutbox(ctx context.Context, msg *domain.OutboxMessage) error {
	m.nextMsg++
	msg.ID = m.nextMsg
	m.outbox = append(m.outbox, *msg)
	return nil
}

func (m *mockOrderRepo) GetOrder(ctx context.Context, id int64) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.LockOrder(ctx, id)
}

func (m *mockOrderRepo) ListOrders(ctx context.Context, skip, limit int) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.sorted()
	if skip >= len(all) {
		return nil, nil
	}
	end := skip + limit
	if end > len(all) {
		end = len(all)
	}
	return all[skip:end], nil
}

func (m *mockOrderRepo) CountOrders(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders), nil
}

func (m *mockOrderRepo) OrdersByCustomer(ctx context.Context, email string) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Order
	for _, o := range m.sorted() {
		if o.CustomerEmail == email {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *mockOrderRepo) PendingOutbox(ctx context.Context, createdBefore, now time.Time, limit int) ([]domain.OutboxMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.OutboxMessage
	for _, msg := range m.outbox {
		due := !msg.NextAttemptAt.After(now)
		if msg.Status == domain.OutboxStatusPending && msg.CreatedAt.Before(createdBefore) && due && len(out) < limit {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *mockOrderRepo) MarkOutboxSent(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.outbox {
		if m.outbox[i].ID == id {
			now := time.Now()
			m.outbox[i].Status = domain.OutboxStatusSent
			m.outbox[i].SentAt = &now
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *mockOrderRepo) MarkOutboxFailed(ctx context.Context, id int64, reason string, retryAt time.Time) error {
	return m.updateOutbox(id, func(msg *domain.OutboxMessage) {
		msg.Attempts++
		msg.LastError = reason
		msg.NextAttemptAt = retryAt
	})
}

func (m *mockOrderRepo) ParkOutbox(ctx context.Context, id int64, reason string) error {
	return m.updateOutbox(id, func(msg *domain.OutboxMessage) {
		msg.Attempts++
		msg.LastError = reason
		msg.Status = domain.OutboxStatusParked
	})
}

func (m *mockOrderRepo) updateOutbox(id int64, fn func(*domain.OutboxMessage)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.outbox {
		if m.outbox[i].ID == id {
			fn(&m.outbox[i])
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *mockOrderRepo) sorted() []domain.Order {
	out := make([]domain.Order, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *mockOrderRepo) outboxMessages() []domain.OutboxMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.OutboxMessage(nil), m.outbox...)
}

// Mock ProductCatalog
type mockCatalog struct {
	mu         sync.Mutex
	products   map[int64]domain.ProductSnapshot
	fetchErr   error
	checkErr   error
	onCheck    func()
	fetchCalls int
	checkCalls int
}

func newMockCatalog(products ...domain.ProductSnapshot) *mockCatalog {
	c := &mockCatalog{products: make(map[int64]domain.ProductSnapshot)}
	for _, p := range products {
		c.products[p.ID] = p
	}
	return c
}

func (c *mockCatalog) Fetch(ctx context.Context, productID int64) (*domain.ProductSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchCalls++
	if c.fetchErr != nil {
		return nil, c.fetchErr
	}
	p, ok := c.products[productID]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "product %d", productID)
	}
	return &p, nil
}

func (c *mockCatalog) CheckAvailability(ctx context.Context, productID int64, quantity int) (bool, error) {
	c.mu.Lock()
	c.checkCalls++
	hook := c.onCheck
	c.mu.Unlock()
	if hook != nil {
		hook()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.checkErr != nil {
		return false, c.checkErr
	}
	p, ok := c.products[productID]
	if !ok {
		return false, errors.Wrapf(domain.ErrNotFound, "product %d", productID)
	}
	return p.Stock >= quantity, nil
}

func (c *mockCatalog) setPrice(id int64, price float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.products[id]
	p.Price = price
	c.products[id] = p
}

// Mock EventPublisher
type publishedEvent struct {
	event      domain.Event
	routingKey string
	opts       port.PublishOptions
}

type mockPublisher struct {
	mu        sync.Mutex
	published []publishedEvent
	err       error
}

func (p *mockPublisher) Publish(ctx context.Context, event domain.Event, routingKey string, opts port.PublishOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, publishedEvent{event: event, routingKey: routingKey, opts: opts})
	return nil
}

func (p *mockPublisher) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *mockPublisher) events() []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishedEvent(nil), p.published...)
}

// In-memory InventoryRepository. Transactions are serialized and staged on a
// copy that is only committed when fn succeeds.
type memInventory struct {
	mu        sync.Mutex
	products  map[int64]domain.Product
	processed map[string]string
	checks    int
}

func newMemInventory(products ...domain.Product) *memInventory {
	m := &memInventory{
		products:  make(map[int64]domain.Product),
		processed: make(map[string]string),
	}
	for _, p := range products {
		m.products[p.ID] = p
	}
	return m
}

func (m *memInventory) GetProduct(ctx context.Context, id int64) (*domain.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "product %d", id)
	}
	return &p, nil
}

func (m *memInventory) CheckAvailability(ctx context.Context, id int64, quantity int) (bool, error) {
	m.mu.Lock()
	m.checks++
	m.mu.Unlock()

	p, err := m.GetProduct(ctx, id)
	if err != nil {
		return false, err
	}
	return p.Stock >= quantity, nil
}

func (m *memInventory) availabilityChecks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checks
}

func (m *memInventory) AdjustStock(ctx context.Context, id int64, delta int) (*domain.Product, error) {
	var out *domain.Product
	err := m.WithinTx(ctx, func(tx port.InventoryTx) error {
		p, err := tx.AdjustStock(ctx, id, delta)
		out = p
		return err
	})
	return out, err
}

func (m *memInventory) UpsertProduct(ctx context.Context, p *domain.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == 0 {
		p.ID = int64(len(m.products) + 1)
	}
	m.products[p.ID] = *p
	return nil
}

func (m *memInventory) WithinTx(ctx context.Context, fn func(tx port.InventoryTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memInventoryTx{
		products:  make(map[int64]domain.Product, len(m.products)),
		processed: make(map[string]string, len(m.processed)),
	}
	for id, p := range m.products {
		tx.products[id] = p
	}
	for id, t := range m.processed {
		tx.processed[id] = t
	}
	if err := fn(tx); err != nil {
		return err
	}
	m.products, m.processed = tx.products, tx.processed
	return nil
}

func (m *memInventory) stock(id int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.products[id].Stock
}

func (m *memInventory) isProcessed(eventID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.processed[eventID]
	return ok
}

type memInventoryTx struct {
	products  map[int64]domain.Product
	processed map[string]string
}

func (tx *memInventoryTx) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	_, ok := tx.processed[eventID]
	return ok, nil
}

func (tx *memInventoryTx) MarkProcessed(ctx context.Context, eventID, eventType string) error {
	if _, ok := tx.processed[eventID]; ok {
		return domain.ErrDuplicate
	}
	tx.processed[eventID] = eventType
	return nil
}

func (tx *memInventoryTx) AdjustStock(ctx context.Context, id int64, delta int) (*domain.Product, error) {
	p, ok := tx.products[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "product %d", id)
	}
	if p.Stock+delta < 0 {
		return nil, &domain.InsufficientStockError{ProductID: id, Requested: -delta, Available: p.Stock}
	}
	p.Stock += delta
	tx.products[id] = p
	return &p, nil
}
