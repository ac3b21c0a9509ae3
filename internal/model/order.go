package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// --- Order Structures (as served by the order store) ---

type FulfillmentType string

const (
	FulfillmentPickup   FulfillmentType = "pickup"
	FulfillmentDelivery FulfillmentType = "delivery"
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusConfirmed OrderStatus = "confirmed"
	OrderStatusPreparing OrderStatus = "preparing"
	OrderStatusReady     OrderStatus = "ready"
	OrderStatusDelivered OrderStatus = "delivered"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Valid reports whether s is one of the known lifecycle states.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusPreparing,
		OrderStatusReady, OrderStatusDelivered, OrderStatusCancelled:
		return true
	}
	return false
}

// OrdersPayload is the envelope returned by the order store API.
type OrdersPayload struct {
	Success bool `json:"success"`
	Data    struct {
		Orders []Order `json:"orders"`
	} `json:"data"`
}

type Order struct {
	ID                  string          `json:"id"`
	Number              string          `json:"order_number"`
	Location            string          `json:"location"`
	Status              OrderStatus     `json:"status"`
	FulfillmentType     FulfillmentType `json:"fulfillment_type"`
	CustomerName        string          `json:"customer_name"`
	CustomerPhone       string          `json:"customer_phone"`
	SpecialInstructions string          `json:"special_instructions"`
	Items               []OrderItem     `json:"items"`
	TotalAmount         decimal.Decimal `json:"total_amount"`
	CreatedAt           time.Time       `json:"created_at"`
}

type OrderItem struct {
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int             `json:"quantity"`
	Modifiers []string        `json:"modifiers,omitempty"`
}

// LineTotal is unit price times quantity.
func (i OrderItem) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// DisplayNumber falls back to the id when the store did not assign a number.
func (o Order) DisplayNumber() string {
	if o.Number != "" {
		return o.Number
	}
	return o.ID
}
