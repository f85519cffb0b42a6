package storage

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/rl1809/order-fulfillment/internal/core/domain"
	"github.com/rl1809/order-fulfillment/internal/port"
)

const (
	productKeyPrefix   = "product:"
	processedKeyPrefix = "processed_event:"
	productSeqKey      = "product_seq"
	maxTxAttempts      = 100
)

var ErrTxConflict = errors.New("transaction kept conflicting with concurrent writers")

// Returns {1, stock} when applied, {0, stock} when the result would be
// negative and {-1, 0} when the product does not exist.
var adjustStockScript = redis.NewScript(`
local key = KEYS[1]
local delta = tonumber(ARGV[1])

if redis.call('EXISTS', key) == 0 then
	return {-1, 0}
end

local current = tonumber(redis.call('HGET', key, 'stock'))
if current + delta < 0 then
	return {0, current}
end

redis.call('HINCRBY', key, 'stock', delta)
redis.call('HSET', key, 'updated_at', ARGV[2])
return {1, current + delta}
`)

// Moves the id sequence up to ARGV[1] so ids handed out later never collide
// with an explicitly chosen one.
var advanceSeqScript = redis.NewScript(`
local id = tonumber(ARGV[1])
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current < id then
	redis.call('SET', KEYS[1], id)
end
return 1
`)

type productHash struct {
	Name        string  `redis:"name"`
	Description string  `redis:"description"`
	Price       float64 `redis:"price"`
	Stock       int     `redis:"stock"`
	Category    string  `redis:"category"`
	ImageURL    string  `redis:"image_url"`
	CreatedAt   string  `redis:"created_at"`
	UpdatedAt   string  `redis:"updated_at"`
}

// RedisInventoryAdapter keeps each product in a hash and each processed event
// id in its own key. Units of work are optimistic: keys read inside WithinTx
// are watched and the queued writes are discarded if any of them changed.
type RedisInventoryAdapter struct {
	client *redis.Client
}

var _ port.InventoryRepository = (*RedisInventoryAdapter)(nil)

func NewRedisInventoryAdapter(client *redis.Client) *RedisInventoryAdapter {
	return &RedisInventoryAdapter{client: client}
}

func (r *RedisInventoryAdapter) GetProduct(ctx context.Context, id int64) (*domain.Product, error) {
	return readProduct(ctx, r.client, id)
}

func (r *RedisInventoryAdapter) CheckAvailability(ctx context.Context, id int64, quantity int) (bool, error) {
	p, err := r.GetProduct(ctx, id)
	if err != nil {
		return false, err
	}
	return p.Stock >= quantity, nil
}

func (r *RedisInventoryAdapter) AdjustStock(ctx context.Context, id int64, delta int) (*domain.Product, error) {
	now := time.Now().UTC()
	res, err := adjustStockScript.Run(ctx, r.client, []string{productKey(id)}, delta, now.Format(time.RFC3339Nano)).Int64Slice()
	if err != nil {
		return nil, errors.Wrap(err, "adjust stock")
	}

	switch res[0] {
	case -1:
		return nil, errors.Wrapf(domain.ErrNotFound, "product %d", id)
	case 0:
		return nil, &domain.InsufficientStockError{ProductID: id, Requested: -delta, Available: int(res[1])}
	}

	p, err := r.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}
	// Another writer may already have moved stock again.
	p.Stock = int(res[1])
	p.UpdatedAt = now
	return p, nil
}

func (r *RedisInventoryAdapter) WithinTx(ctx context.Context, fn func(tx port.InventoryTx) error) error {
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := r.client.Watch(ctx, func(rtx *redis.Tx) error {
			t := newRedisInventoryTx(rtx)
			if err := fn(t); err != nil {
				return err
			}
			return t.commit(ctx)
		})
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrTxConflict
}

// UpsertProduct creates or replaces a product. Used for seeding.
func (r *RedisInventoryAdapter) UpsertProduct(ctx context.Context, p *domain.Product) error {
	if p.ID == 0 {
		id, err := r.client.Incr(ctx, productSeqKey).Result()
		if err != nil {
			return errors.Wrap(err, "allocate product id")
		}
		p.ID = id
	} else if err := advanceSeqScript.Run(ctx, r.client, []string{productSeqKey}, p.ID).Err(); err != nil {
		return errors.Wrap(err, "advance product id sequence")
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	err := r.client.HSet(ctx, productKey(p.ID), map[string]interface{}{
		"name":        p.Name,
		"description": p.Description,
		"price":       strconv.FormatFloat(p.Price, 'f', -1, 64),
		"stock":       p.Stock,
		"category":    p.Category,
		"image_url":   p.ImageURL,
		"created_at":  p.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":  p.UpdatedAt.Format(time.RFC3339Nano),
	}).Err()
	return errors.Wrap(err, "upsert product")
}

type redisInventoryTx struct {
	rtx       *redis.Tx
	products  map[int64]*domain.Product
	processed map[string]string
}

func newRedisInventoryTx(rtx *redis.Tx) *redisInventoryTx {
	return &redisInventoryTx{
		rtx:       rtx,
		products:  make(map[int64]*domain.Product),
		processed: make(map[string]string),
	}
}

func (t *redisInventoryTx) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	if _, ok := t.processed[eventID]; ok {
		return true, nil
	}
	key := processedKeyPrefix + eventID
	if err := t.rtx.Watch(ctx, key).Err(); err != nil {
		return false, errors.Wrap(err, "watch processed event")
	}
	n, err := t.rtx.Exists(ctx, key).Result()
	if err != nil {
		return false, errors.Wrap(err, "query processed event")
	}
	return n > 0, nil
}

func (t *redisInventoryTx) MarkProcessed(ctx context.Context, eventID, eventType string) error {
	seen, err := t.IsProcessed(ctx, eventID)
	if err != nil {
		return err
	}
	if seen {
		return errors.Wrapf(domain.ErrDuplicate, "event %s", eventID)
	}
	t.processed[eventID] = eventType
	return nil
}

func (t *redisInventoryTx) AdjustStock(ctx context.Context, id int64, delta int) (*domain.Product, error) {
	p, ok := t.products[id]
	if !ok {
		if err := t.rtx.Watch(ctx, productKey(id)).Err(); err != nil {
			return nil, errors.Wrap(err, "watch product")
		}
		read, err := readProduct(ctx, t.rtx, id)
		if err != nil {
			return nil, err
		}
		p = read
	}
	if p.Stock+delta < 0 {
		return nil, &domain.InsufficientStockError{ProductID: id, Requested: -delta, Available: p.Stock}
	}

	p.Stock += delta
	p.UpdatedAt = time.Now().UTC()
	t.products[id] = p
	out := *p
	return &out, nil
}

// commit writes everything staged in one MULTI/EXEC. It fails with
// redis.TxFailedErr if a watched key changed since it was read.
func (t *redisInventoryTx) commit(ctx context.Context) error {
	if len(t.products) == 0 && len(t.processed) == 0 {
		return nil
	}
	_, err := t.rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for id, p := range t.products {
			pipe.HSet(ctx, productKey(id),
				"stock", p.Stock,
				"updated_at", p.UpdatedAt.Format(time.RFC3339Nano))
		}
		now := time.Now().UTC().Format(time.RFC3339Nano)
		for eventID, eventType := range t.processed {
			pipe.HSet(ctx, processedKeyPrefix+eventID, "event_type", eventType, "processed_at", now)
		}
		return nil
	})
	return err
}

type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func readProduct(ctx context.Context, c hashReader, id int64) (*domain.Product, error) {
	cmd := c.HGetAll(ctx, productKey(id))
	fields, err := cmd.Result()
	if err != nil {
		return nil, errors.Wrap(err, "query product")
	}
	if len(fields) == 0 {
		return nil, errors.Wrapf(domain.ErrNotFound, "product %d", id)
	}

	var h productHash
	if err := cmd.Scan(&h); err != nil {
		return nil, errors.Wrapf(err, "decode product %d", id)
	}
	p := &domain.Product{
		ID:          id,
		Name:        h.Name,
		Description: h.Description,
		Price:       h.Price,
		Stock:       h.Stock,
		Category:    h.Category,
		ImageURL:    h.ImageURL,
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, h.CreatedAt)
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, h.UpdatedAt)
	return p, nil
}

func productKey(id int64) string {
	return productKeyPrefix + strconv.FormatInt(id, 10)
}
