package domain

import "fmt"

// DeliveryPolicy selects the targets of a received message.
type DeliveryPolicy string

const (
	EchoToSender      DeliveryPolicy = "echo"
	BroadcastToOthers DeliveryPolicy = "broadcast-others"
	BroadcastToAll    DeliveryPolicy = "broadcast-all"
)

// ParseDeliveryPolicy converts a configuration value into a DeliveryPolicy.
func ParseDeliveryPolicy(s string) (DeliveryPolicy, error) {
	switch p := DeliveryPolicy(s); p {
	case EchoToSender, BroadcastToOthers, BroadcastToAll:
		return p, nil
	default:
		return "", fmt.Errorf("unknown delivery policy %q (want echo, broadcast-others or broadcast-all)", s)
	}
}

// SlowClientPolicy decides what happens to a target whose queue is full.
type SlowClientPolicy string

const (
	// DropFrame skips the frame for that target and keeps the connection.
	DropFrame SlowClientPolicy = "drop"
	// DisconnectSlow skips the frame and closes the target.
	DisconnectSlow SlowClientPolicy = "disconnect"
)

func ParseSlowClientPolicy(s string) (SlowClientPolicy, error) {
	switch p := SlowClientPolicy(s); p {
	case DropFrame, DisconnectSlow:
		return p, nil
	default:
		return "", fmt.Errorf("unknown slow client policy %q (want drop or disconnect)", s)
	}
}
