package orderstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/Riboost-Studio/perfect-menu-print-coordinator/internal/model"
)

// PendingOrders lists the orders still waiting at a location. An empty or
// "*" location lists every location.
func (c *Client) PendingOrders(ctx context.Context, location string) ([]model.Order, error) {
	query := url.Values{}
	query.Set("status", string(model.OrderStatusPending))
	if location != "" && location != "*" {
		query.Set("location", location)
	}

	var payload model.OrdersPayload
	if err := c.do(ctx, http.MethodGet, "/api/orders?"+query.Encode(), nil, &payload); err != nil {
		return nil, fmt.Errorf("pending orders: %w", err)
	}
	if !payload.Success {
		return nil, errors.New("pending orders: store reported failure")
	}
	return payload.Data.Orders, nil
}

type statusUpdate struct {
	Status model.OrderStatus `json:"status"`
}

// UpdateStatus moves an order to a new lifecycle state.
func (c *Client) UpdateStatus(ctx context.Context, orderID string, status model.OrderStatus) error {
	if !status.Valid() {
		return fmt.Errorf("unknown order status %q", status)
	}
	path := "/api/orders/" + url.PathEscape(orderID) + "/status"
	if err := c.do(ctx, http.MethodPatch, path, statusUpdate{Status: status}, nil); err != nil {
		return fmt.Errorf("update status of %s: %w", orderID, err)
	}
	c.log.Info("order status updated", zap.String("order_id", orderID), zap.String("status", string(status)))
	return nil
}
