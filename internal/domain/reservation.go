package domain

import (
	"fmt"
	"time"
)

// Kind distinguishes add-to-cart from remove-from-cart operations.
type Kind string

const (
	KindAdd    Kind = "add"
	KindRemove Kind = "remove"
)

// Key identifies the unit of serialization: one user's line for one item.
type Key struct {
	UserKey string
	ItemID  string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.UserKey, k.ItemID)
}

// ReservationRequest is sent to the authority for one operation.
type ReservationRequest struct {
	Seq     uint64
	UserKey string
	ItemID  string
	Kind    Kind
	Delta   int // signed cart delta: positive for add, negative for remove
}

// Confirmation is the authority's answer to a ReservationRequest.
type Confirmation struct {
	Seq       uint64 // echo of ReservationRequest.Seq
	UserKey   string
	ItemID    string
	Stock     int // authoritative stock after the operation
	Amount    int // authoritative cart amount after the operation
	UnitPrice Price
	Version   uint64 // authority version of Stock
}

// OrderLine is a line of a placed order.
type OrderLine struct {
	ItemID    string
	Amount    int
	UnitPrice Price
}

// Order is created by the authority from a user's cart.
type Order struct {
	OrderID   string
	UserKey   string
	Lines     []OrderLine
	Total     Price
	CreatedAt time.Time
}
