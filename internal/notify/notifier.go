package notify

import "context"

// Message is one notification. Recipients is used by channels that address
// people directly, such as email; push channels ignore it.
type Message struct {
	Title      string
	Body       string
	Recipients []string
}

// Notifier defines the interface for sending notifications.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}
