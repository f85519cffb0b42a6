package domain

import "time"

type Product struct {
	ID          int64
	Name        string
	Description string
	Price       float64
	Stock       int
	Category    string
	ImageURL    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ProductSnapshot is the view of a product the order side receives from the
// inventory service. Price is captured once and never re-fetched for an order.
type ProductSnapshot struct {
	ID    int64   `json:"id"`
	Name  string  `json:"name"`
	Price float64 `json:"price"`
	Stock int     `json:"stock"`
}

// ProcessedEvent marks an event id as applied. Rows are append-only.
type ProcessedEvent struct {
	EventID     string
	EventType   string
	ProcessedAt time.Time
}
