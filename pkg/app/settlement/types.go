package settlement

import (
	"context"
	"time"

	"github.com/uhyunpark/hyperdesk/pkg/app/core"
)

// Window is one batch handed to the Settler. Tickets keep admission order.
type Window struct {
	WindowID    string             `json:"windowId"`
	ScheduledAt time.Time          `json:"scheduledAt"`
	Tickets     []core.OrderTicket `json:"tickets"`
}

func (w Window) TicketIDs() []string {
	ids := make([]string, len(w.Tickets))
	for i, t := range w.Tickets {
		ids[i] = t.TicketID
	}
	return ids
}

// Outcome is the per-ticket result reported by a settler.
type Outcome struct {
	Status    core.TicketStatus `json:"status"` // StatusConfirmed or StatusRejected
	Reason    string            `json:"reason,omitempty"`
	TxHash    string            `json:"txHash,omitempty"`
	Duplicate bool              `json:"duplicate,omitempty"` // ticketId was already settled; treated as confirmed
}

// BatchResult is what SubmitBatch returns.
//
// PerTicket=true: Outcomes has an entry per ticket and each ticket moves
// independently. A ticket missing from Outcomes is retried.
//
// PerTicket=false: the window succeeded or failed as a whole. A failed
// window (Accepted=false) sends every ticket back to the queue.
type BatchResult struct {
	WindowID  string             `json:"windowId"`
	PerTicket bool               `json:"perTicket"`
	Accepted  bool               `json:"accepted"`
	Outcomes  map[string]Outcome `json:"outcomes,omitempty"`
	Reason    string             `json:"reason,omitempty"`
	TxHash    string             `json:"txHash,omitempty"`
}

// Settler is the external settlement boundary. Implementations must treat a
// repeated ticketId as a no-op so a retry after a timeout cannot execute
// twice.
type Settler interface {
	SubmitBatch(ctx context.Context, w Window) (BatchResult, error)
}

// QueueStatus is a side-effect free view for display.
type QueueStatus struct {
	PendingTickets     int    `json:"pendingTickets"`
	NextSettlementInMs int64  `json:"nextSettlementInMs"`
	Submitting         bool   `json:"submitting"`
	InFlightWindow     string `json:"inFlightWindow,omitempty"`
	InFlightTickets    int    `json:"inFlightTickets"`
}

// Event reports a ticket status change. Err is a *core.SettlementError for
// Rejected and Expired.
type Event struct {
	Ticket core.OrderTicket `json:"ticket"`
	Err    error            `json:"-"`
	At     time.Time        `json:"at"`
}
