// Package memstore keeps orders and inventory in process memory. It has the
// same transactional guarantees as the database adapters within one process.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/rl1809/order-fulfillment/internal/core/domain"
	"github.com/rl1809/order-fulfillment/internal/port"
)

type InventoryStore struct {
	mu        sync.Mutex
	products  map[int64]domain.Product
	processed map[string]domain.ProcessedEvent
	nextID    int64
}

var _ port.InventoryRepository = (*InventoryStore)(nil)

func NewInventoryStore() *InventoryStore {
	return &InventoryStore{
		products:  make(map[int64]domain.Product),
		processed: make(map[string]domain.ProcessedEvent),
	}
}

func (s *InventoryStore) UpsertProduct(ctx context.Context, p *domain.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == 0 {
		s.nextID++
		p.ID = s.nextID
	} else if p.ID > s.nextID {
		s.nextID = p.ID
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	s.products[p.ID] = *p
	return nil
}

func (s *InventoryStore) GetProduct(ctx context.Context, id int64) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "product %d", id)
	}
	return &p, nil
}

func (s *InventoryStore) CheckAvailability(ctx context.Context, id int64, quantity int) (bool, error) {
	p, err := s.GetProduct(ctx, id)
	if err != nil {
		return false, err
	}
	return p.Stock >= quantity, nil
}

func (s *InventoryStore) AdjustStock(ctx context.Context, id int64, delta int) (*domain.Product, error) {
	var out *domain.Product
	err := s.WithinTx(ctx, func(tx port.InventoryTx) error {
		p, err := tx.AdjustStock(ctx, id, delta)
		out = p
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// WithinTx serializes units of work and commits fn's writes only on success.
func (s *InventoryStore) WithinTx(ctx context.Context, fn func(tx port.InventoryTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &inventoryTx{
		store:     s,
		products:  make(map[int64]domain.Product),
		processed: make(map[string]domain.ProcessedEvent),
	}
	if err := fn(tx); err != nil {
		return err
	}
	for id, p := range tx.products {
		s.products[id] = p
	}
	for id, e := range tx.processed {
		s.processed[id] = e
	}
	return nil
}

type inventoryTx struct {
	store     *InventoryStore
	products  map[int64]domain.Product
	processed map[string]domain.ProcessedEvent
}

func (tx *inventoryTx) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	if _, ok := tx.processed[eventID]; ok {
		return true, nil
	}
	_, ok := tx.store.processed[eventID]
	return ok, nil
}

func (tx *inventoryTx) MarkProcessed(ctx context.Context, eventID, eventType string) error {
	seen, _ := tx.IsProcessed(ctx, eventID)
	if seen {
		return errors.Wrapf(domain.ErrDuplicate, "event %s", eventID)
	}
	tx.processed[eventID] = domain.ProcessedEvent{
		EventID:     eventID,
		EventType:   eventType,
		ProcessedAt: time.Now().UTC(),
	}
	return nil
}

func (tx *inventoryTx) AdjustStock(ctx context.Context, id int64, delta int) (*domain.Product, error) {
	p, ok := tx.products[id]
	if !ok {
		p, ok = tx.store.products[id]
	}
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "product %d", id)
	}
	if p.Stock+delta < 0 {
		return nil, &domain.InsufficientStockError{ProductID: id, Requested: -delta, Available: p.Stock}
	}
	p.Stock += delta
	p.UpdatedAt = time.Now().UTC()
	tx.products[id] = p
	return &p, nil
}
