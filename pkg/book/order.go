package book

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrDuplicateOrderID   = errors.New("duplicate order id")
	ErrOrderNotFound      = errors.New("order not found")
	ErrSideMismatch       = errors.New("order side does not match book side")
	ErrCrossSideCollision = errors.New("order id present on both ask and bid side")
)

type Side int

const (
	Ask Side = iota + 1
	Bid
)

func (s Side) String() string {
	switch s {
	case Ask:
		return "ASK"
	case Bid:
		return "BID"
	default:
		return fmt.Sprintf("Side(%d)", int(s))
	}
}

func (s Side) MarshalText() ([]byte, error) {
	if s != Ask && s != Bid {
		return nil, fmt.Errorf("invalid side %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(b []byte) error {
	switch strings.ToUpper(string(b)) {
	case "ASK":
		*s = Ask
	case "BID":
		*s = Bid
	default:
		return fmt.Errorf("invalid side %q", b)
	}
	return nil
}

// Order is a resting order. Price and Volume are exact decimals; Volume
// shrinks as the order trades and the order leaves the book at zero.
type Order struct {
	ID     string          `json:"id"`
	Price  decimal.Decimal `json:"price"`
	Volume decimal.Decimal `json:"volume"`
	Side   Side            `json:"type"`
}

// PriceLevel aggregates every resting order sharing one price. IDs are in
// arrival order.
type PriceLevel struct {
	Price  decimal.Decimal `json:"price"`
	Volume decimal.Decimal `json:"volume"`
	IDs    []string        `json:"ids"`
}
