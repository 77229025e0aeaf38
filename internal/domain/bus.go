package domain

import "context"

// Bus carries messages between relay instances so that clients connected to
// different instances share one fan-out domain.
type Bus interface {
	Publish(ctx context.Context, msg Message) error
}
