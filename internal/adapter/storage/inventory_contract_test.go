package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"

	"github.com/rl1809/order-fulfillment/internal/core/domain"
	"github.com/rl1809/order-fulfillment/internal/port"
)

type seedingInventory interface {
	port.InventoryRepository
	UpsertProduct(ctx context.Context, p *domain.Product) error
}

// Behaviour every inventory store must share, run against each adapter.
func runInventoryContract(t *testing.T, repo seedingInventory) {
	seed := func(t *testing.T, stock int) int64 {
		t.Helper()
		p := &domain.Product{Name: "Keyboard", Description: "test product", Price: 10, Stock: stock}
		if err := repo.UpsertProduct(context.Background(), p); err != nil {
			t.Fatalf("setup failed: %v", err)
		}
		return p.ID
	}

	t.Run("adjust", func(t *testing.T) {
		ctx := context.Background()
		id := seed(t, 5)

		p, err := repo.AdjustStock(ctx, id, -3)
		if err != nil {
			t.Fatalf("AdjustStock failed: %v", err)
		}
		if p.Stock != 2 {
			t.Errorf("expected stock 2, got %d", p.Stock)
		}

		// Would go negative
		_, err = repo.AdjustStock(ctx, id, -3)
		var stockErr *domain.InsufficientStockError
		if !errors.As(err, &stockErr) {
			t.Fatalf("expected InsufficientStockError, got: %v", err)
		}
		if stockErr.Available != 2 {
			t.Errorf("expected available 2, got %d", stockErr.Available)
		}

		// Verify unchanged
		got, err := repo.GetProduct(ctx, id)
		if err != nil {
			t.Fatalf("GetProduct failed: %v", err)
		}
		if got.Stock != 2 {
			t.Errorf("expected stock 2, got %d", got.Stock)
		}
		if got.Name != "Keyboard" || got.Price != 10 {
			t.Errorf("unexpected product: %+v", got)
		}
	})

	t.Run("explicit id is not reused", func(t *testing.T) {
		ctx := context.Background()
		explicit := &domain.Product{ID: seed(t, 1) + 1000, Name: "Seeded", Price: 3, Stock: 7}
		if err := repo.UpsertProduct(ctx, explicit); err != nil {
			t.Fatalf("UpsertProduct failed: %v", err)
		}

		created := &domain.Product{Name: "New", Price: 4, Stock: 1}
		if err := repo.UpsertProduct(ctx, created); err != nil {
			t.Fatalf("UpsertProduct failed: %v", err)
		}
		if created.ID <= explicit.ID {
			t.Errorf("expected id above %d, got %d", explicit.ID, created.ID)
		}

		got, err := repo.GetProduct(ctx, explicit.ID)
		if err != nil {
			t.Fatalf("GetProduct failed: %v", err)
		}
		if got.Name != "Seeded" || got.Stock != 7 {
			t.Errorf("explicit product was overwritten: %+v", got)
		}
	})

	t.Run("not found", func(t *testing.T) {
		ctx := context.Background()
		if _, err := repo.GetProduct(ctx, 987654321); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
		if _, err := repo.AdjustStock(ctx, 987654321, 1); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})

	t.Run("check availability", func(t *testing.T) {
		ctx := context.Background()
		id := seed(t, 5)

		ok, err := repo.CheckAvailability(ctx, id, 5)
		if err != nil || !ok {
			t.Errorf("expected available, got %v, %v", ok, err)
		}
		ok, err = repo.CheckAvailability(ctx, id, 6)
		if err != nil || ok {
			t.Errorf("expected unavailable, got %v, %v", ok, err)
		}
	})

	t.Run("concurrent decrements", func(t *testing.T) {
		ctx := context.Background()
		initialStock := 20
		totalRequests := 50
		id := seed(t, initialStock)

		var successCount atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < totalRequests; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := repo.AdjustStock(ctx, id, -1)
				switch {
				case err == nil:
					successCount.Add(1)
				case errors.Is(err, domain.ErrInsufficientStock):
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		if successCount.Load() != int32(initialStock) {
			t.Errorf("expected %d successes, got %d", initialStock, successCount.Load())
		}
		p, _ := repo.GetProduct(ctx, id)
		if p.Stock != 0 {
			t.Errorf("expected stock 0, got %d", p.Stock)
		}
	})

	t.Run("unit of work applies event once", func(t *testing.T) {
		ctx := context.Background()
		id := seed(t, 100)
		eventID := uuid.NewString()

		apply := func() error {
			return repo.WithinTx(ctx, func(tx port.InventoryTx) error {
				seen, err := tx.IsProcessed(ctx, eventID)
				if err != nil {
					return err
				}
				if seen {
					return domain.ErrDuplicate
				}
				if _, err := tx.AdjustStock(ctx, id, -4); err != nil {
					return err
				}
				return tx.MarkProcessed(ctx, eventID, domain.EventTypeOrderCreated)
			})
		}

		var applied, duplicates atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := apply()
				switch {
				case err == nil:
					applied.Add(1)
				case errors.Is(err, domain.ErrDuplicate):
					duplicates.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		if applied.Load() != 1 {
			t.Errorf("expected exactly 1 applied, got %d", applied.Load())
		}
		if duplicates.Load() != 19 {
			t.Errorf("expected 19 duplicates, got %d", duplicates.Load())
		}
		p, _ := repo.GetProduct(ctx, id)
		if p.Stock != 96 {
			t.Errorf("expected stock 96, got %d", p.Stock)
		}
	})

	t.Run("failed unit of work leaves no trace", func(t *testing.T) {
		ctx := context.Background()
		id := seed(t, 5)
		eventID := uuid.NewString()

		err := repo.WithinTx(ctx, func(tx port.InventoryTx) error {
			if _, err := tx.AdjustStock(ctx, id, -2); err != nil {
				return err
			}
			if err := tx.MarkProcessed(ctx, eventID, domain.EventTypeOrderCreated); err != nil {
				return err
			}
			_, err := tx.AdjustStock(ctx, id, -10)
			return err
		})
		if !errors.Is(err, domain.ErrInsufficientStock) {
			t.Fatalf("expected ErrInsufficientStock, got: %v", err)
		}

		// Verify
		p, _ := repo.GetProduct(ctx, id)
		if p.Stock != 5 {
			t.Errorf("expected stock 5, got %d", p.Stock)
		}
		err = repo.WithinTx(ctx, func(tx port.InventoryTx) error {
			seen, err := tx.IsProcessed(ctx, eventID)
			if err == nil && seen {
				t.Error("event recorded by a rolled back unit of work")
			}
			return err
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}
