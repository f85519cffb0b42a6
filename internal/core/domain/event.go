package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	EventTypeOrderCreated       = "OrderCreated"
	EventTypeOrderStatusChanged = "OrderStatusChanged"

	RoutingKeyOrderCreated       = "order.created"
	RoutingKeyOrderStatusChanged = "order.status.changed"

	EventVersion = "1.0"
)

// Event is the envelope every message on the bus carries. EventID is generated
// once and must survive any redelivery unchanged; consumers deduplicate on it.
type Event struct {
	EventType    string          `json:"event_type"`
	EventID      string          `json:"event_id"`
	EventVersion string          `json:"event_version"`
	Timestamp    string          `json:"timestamp"`
	Source       string          `json:"source"`
	Data         json.RawMessage `json:"data"`
}

func NewEvent(eventType, source string, payload interface{}) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, errors.Wrapf(err, "marshal %s payload", eventType)
	}
	return Event{
		EventType:    eventType,
		EventID:      uuid.NewString(),
		EventVersion: EventVersion,
		Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
		Source:       source,
		Data:         data,
	}, nil
}

// ParseEvent decodes a wire message. Anything that is not a JSON object with an
// event type and id is reported as ErrMalformedMessage.
func ParseEvent(body []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(body, &e); err != nil {
		return Event{}, errors.Wrap(ErrMalformedMessage, err.Error())
	}
	if e.EventType == "" || e.EventID == "" {
		return Event{}, errors.Wrap(ErrMalformedMessage, "missing event_type or event_id")
	}
	return e, nil
}

func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func (e Event) DecodeData(v interface{}) error {
	if len(e.Data) == 0 {
		return errors.Wrap(ErrMalformedMessage, "missing data")
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return errors.Wrap(ErrMalformedMessage, err.Error())
	}
	return nil
}

type OrderCreatedData struct {
	OrderID       int64       `json:"order_id"`
	ProductID     int64       `json:"product_id"`
	ProductName   string      `json:"product_name"`
	Quantity      int         `json:"quantity"`
	UnitPrice     float64     `json:"unit_price"`
	TotalPrice    float64     `json:"total_price"`
	CustomerEmail string      `json:"customer_email,omitempty"`
	Status        OrderStatus `json:"status"`
}

func NewOrderCreatedData(o *Order) OrderCreatedData {
	return OrderCreatedData{
		OrderID:       o.ID,
		ProductID:     o.ProductID,
		ProductName:   o.ProductName,
		Quantity:      o.Quantity,
		UnitPrice:     o.UnitPrice,
		TotalPrice:    o.TotalPrice,
		CustomerEmail: o.CustomerEmail,
		Status:        o.Status,
	}
}

type OrderStatusChangedData struct {
	OrderID   int64       `json:"order_id"`
	OldStatus OrderStatus `json:"old_status"`
	NewStatus OrderStatus `json:"new_status"`
	UpdatedAt string      `json:"updated_at"`
}
