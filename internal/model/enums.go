package model

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or trade.
type Side uint8

const (
	SideUnknown Side = iota
	Buy
	Sell
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// Opposite returns the side a resting counterparty sits on.
func (s Side) Opposite() Side {
	switch s {
	case Buy:
		return Sell
	case Sell:
		return Buy
	default:
		return SideUnknown
	}
}

func (s Side) Valid() bool { return s == Buy || s == Sell }

func (s Side) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("model: invalid side %d", s)
	}
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(b []byte) error {
	v, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseSide parses "BUY" or "SELL".
func ParseSide(s string) (Side, error) {
	switch s {
	case "BUY":
		return Buy, nil
	case "SELL":
		return Sell, nil
	}
	return SideUnknown, fmt.Errorf("model: invalid side %q", s)
}

// OrderKind is the execution style of an order.
type OrderKind uint8

const (
	KindUnknown OrderKind = iota
	Limit
	Market
)

func (k OrderKind) String() string {
	switch k {
	case Limit:
		return "LIMIT"
	case Market:
		return "MARKET"
	default:
		return "UNKNOWN"
	}
}

func (k OrderKind) Valid() bool { return k == Limit || k == Market }

func (k OrderKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("model: invalid order kind %d", k)
	}
	return []byte(k.String()), nil
}

func (k *OrderKind) UnmarshalText(b []byte) error {
	v, err := ParseOrderKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// ParseOrderKind parses "LIMIT" or "MARKET".
func ParseOrderKind(s string) (OrderKind, error) {
	switch s {
	case "LIMIT":
		return Limit, nil
	case "MARKET":
		return Market, nil
	}
	return KindUnknown, fmt.Errorf("model: invalid order kind %q", s)
}

// OrderStatus is the lifecycle state of an order.
// OPEN and PARTIAL are the only matchable states; CANCELLED is terminal.
type OrderStatus uint8

const (
	StatusUnknown OrderStatus = iota
	StatusOpen
	StatusPartial
	StatusFilled
	StatusCancelled
)

func (s OrderStatus) String() string {
	switch s {
	case StatusOpen:
		return "OPEN"
	case StatusPartial:
		return "PARTIAL"
	case StatusFilled:
		return "FILLED"
	case StatusCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Resting reports whether an order in this state sits in the book.
func (s OrderStatus) Resting() bool {
	switch s {
	case StatusOpen, StatusPartial:
		return true
	case StatusFilled, StatusCancelled:
		return false
	default:
		return false
	}
}

func (s OrderStatus) MarshalText() ([]byte, error) {
	if s == StatusUnknown || s > StatusCancelled {
		return nil, fmt.Errorf("model: invalid order status %d", s)
	}
	return []byte(s.String()), nil
}

func (s *OrderStatus) UnmarshalText(b []byte) error {
	v, err := ParseOrderStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseOrderStatus parses the text form of a status.
func ParseOrderStatus(s string) (OrderStatus, error) {
	switch s {
	case "OPEN":
		return StatusOpen, nil
	case "PARTIAL":
		return StatusPartial, nil
	case "FILLED":
		return StatusFilled, nil
	case "CANCELLED":
		return StatusCancelled, nil
	}
	return StatusUnknown, fmt.Errorf("model: invalid order status %q", s)
}

// StatusFor derives the matchable status from filled vs. quantity.
func StatusFor(filled, quantity decimal.Decimal) OrderStatus {
	switch {
	case filled.GreaterThanOrEqual(quantity):
		return StatusFilled
	case filled.IsPositive():
		return StatusPartial
	default:
		return StatusOpen
	}
}
