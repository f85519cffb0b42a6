package domain

import "time"

type OutboxStatus string

const (
	OutboxStatusPending OutboxStatus = "pending"
	OutboxStatusSent    OutboxStatus = "sent"
	// Parked messages ran out of attempts and wait for an operator.
	OutboxStatusParked OutboxStatus = "parked"
)

// OutboxMessage is an event written in the same transaction as the order change
// it describes. It stays pending until the broker confirms it. NextAttemptAt
// is when the relay may pick it up again.
type OutboxMessage struct {
	ID         int64
	EventID    string
	EventType  string
	RoutingKey string
	Payload    []byte
	Status     OutboxStatus
	Attempts   int
	LastError  string
	CreatedAt     time.Time
	NextAttemptAt time.Time
	SentAt        *time.Time
}

func NewOutboxMessage(e Event, routingKey string) (OutboxMessage, error) {
	payload, err := e.Marshal()
	if err != nil {
		return OutboxMessage{}, err
	}
	now := time.Now().UTC()
	return OutboxMessage{
		EventID:       e.EventID,
		EventType:     e.EventType,
		RoutingKey:    routingKey,
		Payload:       payload,
		Status:        OutboxStatusPending,
		CreatedAt:     now,
		NextAttemptAt: now,
	}, nil
}
