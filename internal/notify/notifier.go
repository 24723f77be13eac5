package notify

import (
	"context"
	"fmt"
)

// Notification is a transport-agnostic message
type Notification struct {
	Text        string // HTML markup
	ActionLink  string // optional
	ActionLabel string
}

// Notifier delivers notifications to a configured destination
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// DeliveryError means the transport rejected or never acknowledged a notification
type DeliveryError struct {
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
