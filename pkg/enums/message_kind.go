package enums

import "fmt"

// MessageKind tags every envelope that crosses the broker.
type MessageKind string

const (
	KindSubmitOrder    MessageKind = "submit_order"
	KindUpdateOrder    MessageKind = "update_order"
	KindDeleteOrder    MessageKind = "delete_order"
	KindOrderSubmitted MessageKind = "order_submitted"
	KindOrderUpdated   MessageKind = "order_updated"
)

var validMessageKinds = []MessageKind{
	KindSubmitOrder,
	KindUpdateOrder,
	KindDeleteOrder,
	KindOrderSubmitted,
	KindOrderUpdated,
}

func (k MessageKind) String() string {
	return string(k)
}

// IsValid reports whether the value is a known message kind.
func (k MessageKind) IsValid() bool {
	for _, candidate := range validMessageKinds {
		if candidate == k {
			return true
		}
	}
	return false
}

// IsCommand reports whether the kind addresses a single consumer.
func (k MessageKind) IsCommand() bool {
	switch k {
	case KindSubmitOrder, KindUpdateOrder, KindDeleteOrder:
		return true
	default:
		return false
	}
}

// ParseMessageKind converts raw input into MessageKind.
func ParseMessageKind(value string) (MessageKind, error) {
	for _, candidate := range validMessageKinds {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid message kind %q", value)
}
