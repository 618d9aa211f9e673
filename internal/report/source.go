package report

import "context"

// Message is one raw report pulled off the bus, with the handle needed to
// acknowledge it.
type Message struct {
	AckID string
	Data  []byte
}

// Source is the pull-with-ack report bus. Unacked messages are redelivered,
// so consumers must tolerate duplicates.
type Source interface {
	// Pull fetches at most one message. A nil message means the bus is empty.
	Pull(ctx context.Context) (*Message, error)

	// Ack confirms a message so the bus stops redelivering it.
	Ack(ctx context.Context, ackID string) error

	SubscriptionExists(ctx context.Context) (bool, error)
	TopicExists(ctx context.Context) (bool, error)
}
