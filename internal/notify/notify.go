// Package notify fans settlement outcomes out to subscribers.
//
// All methods are fire-and-forget: they run after the settlement
// transaction has committed, and a failed notification never unwinds a
// settlement. Storefronts that miss an event recover by polling the
// order status endpoint.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/chainvoice/internal/invoice"
	"github.com/mbd888/chainvoice/internal/realtime"
	"github.com/mbd888/chainvoice/internal/settlement"
)

var notifyEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "chainvoice",
	Subsystem: "notify",
	Name:      "emit_total",
	Help:      "Total notification emits by event type.",
}, []string{"event_type"})

func init() {
	prometheus.MustRegister(notifyEmitTotal)
}

// Emitter broadcasts invoice lifecycle events to the realtime hub.
type Emitter struct {
	hub    *realtime.Hub
	logger *slog.Logger
}

// Compile-time interface check
var _ settlement.Notifier = (*Emitter)(nil)

// NewEmitter creates a notification emitter. hub may be nil, in which
// case events are only logged.
func NewEmitter(hub *realtime.Hub, logger *slog.Logger) *Emitter {
	return &Emitter{hub: hub, logger: logger}
}

// InvoicePaid broadcasts a settled invoice and its activated target.
func (e *Emitter) InvoicePaid(_ context.Context, inv *invoice.Invoice, p *settlement.Payment, res *settlement.Result) {
	e.emit(realtime.EventInvoicePaid, map[string]interface{}{
		"invoiceId":      inv.ID,
		"orderId":        res.OrderID,
		"subscriptionId": res.SubscriptionID,
		"chain":          string(inv.Chain),
		"txHash":         p.TxHash,
		"amount":         p.Amount,
		"confirmations":  p.Confirmations,
	})
	if res.OrderID != "" {
		e.emit(realtime.EventOrderConfirmed, map[string]interface{}{
			"orderId":   res.OrderID,
			"invoiceId": inv.ID,
		})
	}
	if res.SubscriptionID != "" {
		e.emit(realtime.EventSubscriptionActivated, map[string]interface{}{
			"subscriptionId": res.SubscriptionID,
			"invoiceId":      inv.ID,
		})
	}
}

// InvoiceExpired broadcasts an expired invoice.
func (e *Emitter) InvoiceExpired(_ context.Context, inv *invoice.Invoice, res *settlement.Result) {
	e.emit(realtime.EventInvoiceExpired, map[string]interface{}{
		"invoiceId":      inv.ID,
		"orderId":        res.OrderID,
		"subscriptionId": res.SubscriptionID,
		"chain":          string(inv.Chain),
	})
}

func (e *Emitter) emit(eventType realtime.EventType, data map[string]interface{}) {
	if e == nil {
		return
	}
	notifyEmitTotal.WithLabelValues(string(eventType)).Inc()
	if e.hub == nil {
		e.logger.Debug("notification (no hub)", "event", eventType)
		return
	}
	e.hub.Broadcast(&realtime.Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}
