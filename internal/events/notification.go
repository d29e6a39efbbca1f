package events

import "github.com/rs/zerolog"

// NotificationPolicy decides whether user-facing notifications are sent for
// order status changes. It is passed explicitly into the services that
// produce status transitions; the default is silence.
type NotificationPolicy interface {
	// NotifyOrderStatus is called after an order status change has been
	// committed. Implementations must not fail the calling transition.
	NotifyOrderStatus(orderID int64, accountID int64, status string, reason string)
}

// SilentPolicy suppresses all notifications. This is the default.
type SilentPolicy struct{}

// NotifyOrderStatus does nothing
func (SilentPolicy) NotifyOrderStatus(int64, int64, string, string) {}

// LogPolicy writes notifications to the log instead of delivering them.
// Useful in development mode.
type LogPolicy struct {
	Log zerolog.Logger
}

// NotifyOrderStatus logs the status change
func (p LogPolicy) NotifyOrderStatus(orderID int64, accountID int64, status string, reason string) {
	p.Log.Info().
		Int64("order_id", orderID).
		Int64("account_id", accountID).
		Str("status", status).
		Str("reason", reason).
		Msg("Order status notification")
}
