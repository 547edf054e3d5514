package settlement

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperdesk/pkg/app/core"
	"github.com/uhyunpark/hyperdesk/pkg/marketdata"
	"github.com/uhyunpark/hyperdesk/pkg/metrics"
	"github.com/uhyunpark/hyperdesk/pkg/util"
)

type Config struct {
	Interval          time.Duration // settlement tick, default 3s
	SubmitTimeout     time.Duration // per SubmitBatch call, default 30s
	MaxAttempts       int           // batch-level failures before Expired, default 3
	MaxTicketAge      time.Duration // queued longer than this -> Expired, 0 disables
	LimitStalenessPct float64       // |mark-limit|/limit beyond this -> Expired, 0 disables
	MaxWindowSize     int           // 0 = drain everything
	RetainTerminal    time.Duration // how long finished tickets stay queryable, default 15m
}

func (c *Config) withDefaults() {
	if c.Interval <= 0 {
		c.Interval = 3 * time.Second
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetainTerminal <= 0 {
		c.RetainTerminal = 15 * time.Minute
	}
}

// Prices gives the queue a mark price for limit staleness checks.
// *marketdata.Hub implements it.
type Prices interface {
	Quote(symbol string) marketdata.Quote
}

type entry struct {
	ticket core.OrderTicket
	doneAt time.Time
}

// EventSubscription is a disposable handle for ticket events.
type EventSubscription struct {
	id     uint64
	q      *Queue
	fn     func(Event)
	closed atomic.Bool
}

func (s *EventSubscription) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.q.mu.Lock()
	delete(s.q.subs, s.id)
	s.q.mu.Unlock()
}

// Queue admits signed tickets, drains them FIFO into settlement windows on
// its own timer and applies settlement results. At most one window is in
// flight at a time.
type Queue struct {
	log     *zap.SugaredLogger
	cfg     Config
	settler Settler
	prices  Prices
	clock   util.Clock
	metrics *metrics.Metrics

	mu         sync.Mutex
	pending    []string // ticket IDs, admission order
	tickets    map[string]*entry
	inflight   *Window
	nextAt     time.Time
	subs       map[uint64]*EventSubscription
	nextSubID  uint64
	submitting sync.WaitGroup

	// Events are appended under mu in the order state changed and drained
	// by one goroutine at a time, so subscribers never see a ticket go
	// backwards.
	outbox   []Event
	flushing bool
}

func NewQueue(log *zap.SugaredLogger, cfg Config, settler Settler, prices Prices, clock util.Clock, m *metrics.Metrics) *Queue {
	cfg.withDefaults()
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Queue{
		log:     util.OrNop(log),
		cfg:     cfg,
		settler: settler,
		prices:  prices,
		clock:   clock,
		metrics: m,
		tickets: make(map[string]*entry),
		subs:    make(map[uint64]*EventSubscription),
	}
}

// Admit takes ownership of a signed ticket and queues it.
func (q *Queue) Admit(t core.OrderTicket) (core.OrderTicket, error) {
	if t.Status != core.StatusSigned || len(t.Signature) == 0 {
		return core.OrderTicket{}, fmt.Errorf("admit %s: %w", t.TicketID, core.ErrNotSigned)
	}
	if t.TicketID == "" {
		return core.OrderTicket{}, fmt.Errorf("admit: ticket has no id")
	}

	q.mu.Lock()
	if _, dup := q.tickets[t.TicketID]; dup {
		q.mu.Unlock()
		return core.OrderTicket{}, fmt.Errorf("admit %s: %w", t.TicketID, core.ErrDuplicateTicket)
	}
	t.Status = core.StatusQueued
	t.Attempts = 0
	t.WindowID = ""
	q.tickets[t.TicketID] = &entry{ticket: t}
	q.pending = append(q.pending, t.TicketID)
	depth := len(q.pending)
	q.outbox = append(q.outbox, Event{Ticket: t, At: q.clock.Now()})
	q.mu.Unlock()

	q.metrics.SetQueueDepth(depth)
	q.log.Infow("ticket_queued", "ticket", t.TicketID, "market", t.Market, "depth", depth)
	q.flush()
	return t, nil
}

// Cancel is only possible while the ticket is Queued.
func (q *Queue) Cancel(id string) (core.OrderTicket, error) {
	q.mu.Lock()
	e, ok := q.tickets[id]
	if !ok {
		q.mu.Unlock()
		return core.OrderTicket{}, core.ErrTicketNotFound
	}
	if !e.ticket.CanCancel() {
		st := e.ticket.Status
		q.mu.Unlock()
		return core.OrderTicket{}, fmt.Errorf("ticket %s is %s: %w", id, st, core.ErrNotCancellable)
	}
	q.removePendingLocked(id)
	q.outbox = append(q.outbox, q.finishLocked(e, core.StatusCancelled, "cancelled by user", nil))
	depth := len(q.pending)
	t := e.ticket
	q.mu.Unlock()

	q.metrics.SetQueueDepth(depth)
	q.log.Infow("ticket_cancelled", "ticket", id)
	q.flush()
	return t, nil
}

// CanCancel tells the UI whether cancellation is still possible.
func (q *Queue) CanCancel(id string) (bool, error) {
	t, ok := q.Ticket(id)
	if !ok {
		return false, core.ErrTicketNotFound
	}
	return t.CanCancel(), nil
}

func (q *Queue) Ticket(id string) (core.OrderTicket, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.tickets[id]
	if !ok {
		return core.OrderTicket{}, false
	}
	return e.ticket, true
}

// Pending returns queued tickets in settlement order.
func (q *Queue) Pending() []core.OrderTicket {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]core.OrderTicket, 0, len(q.pending))
	for _, id := range q.pending {
		out = append(out, q.tickets[id].ticket)
	}
	return out
}

// Status has no side effects.
func (q *Queue) Status() QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := QueueStatus{PendingTickets: len(q.pending)}
	if !q.nextAt.IsZero() {
		if d := q.nextAt.Sub(q.clock.Now()); d > 0 {
			st.NextSettlementInMs = d.Milliseconds()
		}
	}
	if q.inflight != nil {
		st.Submitting = true
		st.InFlightWindow = q.inflight.WindowID
		st.InFlightTickets = len(q.inflight.Tickets)
	}
	return st
}

// Subscribe registers fn for every ticket status change. Callbacks run
// outside the queue lock and may call back into the queue.
func (q *Queue) Subscribe(fn func(Event)) *EventSubscription {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextSubID++
	s := &EventSubscription{id: q.nextSubID, q: q, fn: fn}
	q.subs[s.id] = s
	return s
}

// Run drives the settlement timer until ctx is done. Submissions run in
// their own goroutine; a tick that finds a window in flight is skipped.
func (q *Queue) Run(ctx context.Context) {
	q.log.Infow("settlement_queue_started", "interval", q.cfg.Interval, "max_attempts", q.cfg.MaxAttempts)
	for {
		q.mu.Lock()
		q.nextAt = q.clock.Now().Add(q.cfg.Interval)
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			q.submitting.Wait()
			q.log.Infow("settlement_queue_stopped")
			return
		case <-q.clock.After(q.cfg.Interval):
		}

		if w := q.openWindow(); w != nil {
			q.submitting.Add(1)
			go func() {
				defer q.submitting.Done()
				q.submit(ctx, w)
			}()
		}
	}
}

// Tick runs one settlement cycle synchronously. It returns false when the
// tick was skipped or there was nothing to settle.
func (q *Queue) Tick(ctx context.Context) bool {
	w := q.openWindow()
	if w == nil {
		return false
	}
	q.submit(ctx, w)
	return true
}

// openWindow expires what must not settle, then drains the queue into a
// new window and marks it in flight.
func (q *Queue) openWindow() *Window {
	q.mu.Lock()
	if q.inflight != nil {
		id := q.inflight.WindowID
		q.mu.Unlock()
		q.log.Debugw("settlement_tick_skipped", "inflight", id)
		return nil
	}

	now := q.clock.Now()
	events := q.expireLocked(now)
	q.pruneLocked(now)

	n := len(q.pending)
	if q.cfg.MaxWindowSize > 0 && n > q.cfg.MaxWindowSize {
		n = q.cfg.MaxWindowSize
	}
	if n == 0 {
		depth := len(q.pending)
		q.outbox = append(q.outbox, events...)
		q.mu.Unlock()
		q.metrics.SetQueueDepth(depth)
		q.flush()
		return nil
	}

	w := &Window{WindowID: uuid.NewString(), ScheduledAt: now, Tickets: make([]core.OrderTicket, 0, n)}
	for _, id := range q.pending[:n] {
		e := q.tickets[id]
		e.ticket.Status = core.StatusSubmitted
		e.ticket.WindowID = w.WindowID
		w.Tickets = append(w.Tickets, e.ticket)
		events = append(events, Event{Ticket: e.ticket, At: now})
	}
	q.pending = append([]string(nil), q.pending[n:]...)
	q.inflight = w
	depth := len(q.pending)
	q.outbox = append(q.outbox, events...)
	q.mu.Unlock()

	q.metrics.SetQueueDepth(depth)
	q.log.Infow("window_opened", "window", w.WindowID, "tickets", len(w.Tickets), "remaining", depth)
	q.flush()
	return w
}

func (q *Queue) submit(ctx context.Context, w *Window) {
	sctx, cancel := context.WithTimeout(ctx, q.cfg.SubmitTimeout)
	start := q.clock.Now()
	res, err := q.settler.SubmitBatch(sctx, *w)
	cancel()
	took := q.clock.Now().Sub(start)

	q.mu.Lock()
	var events []Event
	var retry []*entry
	confirmed, rejected := 0, 0

	switch {
	case err != nil:
		retry = q.windowEntriesLocked(w)
	case !res.PerTicket && !res.Accepted:
		err = fmt.Errorf("window rejected: %s", res.Reason)
		retry = q.windowEntriesLocked(w)
	case !res.PerTicket:
		for _, e := range q.windowEntriesLocked(w) {
			e.ticket.TxHash = res.TxHash
			events = append(events, q.finishLocked(e, core.StatusConfirmed, "", nil))
			confirmed++
		}
	default:
		for _, e := range q.windowEntriesLocked(w) {
			out, ok := res.Outcomes[e.ticket.TicketID]
			switch {
			case !ok:
				retry = append(retry, e)
			case out.Status == core.StatusConfirmed || out.Duplicate:
				e.ticket.TxHash = out.TxHash
				events = append(events, q.finishLocked(e, core.StatusConfirmed, "", nil))
				confirmed++
			default:
				serr := &core.SettlementError{TicketID: e.ticket.TicketID, WindowID: w.WindowID, Reason: out.Reason}
				events = append(events, q.finishLocked(e, core.StatusRejected, out.Reason, serr))
				rejected++
			}
		}
		if len(retry) > 0 {
			err = fmt.Errorf("%d tickets missing from settlement result", len(retry))
		}
	}

	requeued, expired := q.retryLocked(w, retry, err, &events)
	q.inflight = nil
	depth := len(q.pending)
	q.outbox = append(q.outbox, events...)
	q.mu.Unlock()

	result := "confirmed"
	switch {
	case err != nil && confirmed+rejected == 0:
		result = "failed"
	case err != nil || rejected > 0:
		result = "partial"
	}
	q.metrics.Window(result, took)
	q.metrics.SetQueueDepth(depth)
	q.log.Infow("window_settled", "window", w.WindowID, "result", result, "confirmed", confirmed,
		"rejected", rejected, "requeued", requeued, "expired", expired, "took", took)
	if err != nil {
		q.log.Warnw("window_submit_failed", "window", w.WindowID, "err", err)
	}
	q.flush()
}

func (q *Queue) windowEntriesLocked(w *Window) []*entry {
	out := make([]*entry, 0, len(w.Tickets))
	for _, t := range w.Tickets {
		if e, ok := q.tickets[t.TicketID]; ok && e.ticket.Status == core.StatusSubmitted {
			out = append(out, e)
		}
	}
	return out
}

// retryLocked puts failed tickets back at the head of the queue in their
// original order, or expires them once MaxAttempts is reached.
func (q *Queue) retryLocked(w *Window, failed []*entry, cause error, events *[]Event) (requeued, expired int) {
	if len(failed) == 0 {
		return 0, 0
	}
	now := q.clock.Now()
	head := make([]string, 0, len(failed))
	for _, e := range failed {
		e.ticket.Attempts++
		if e.ticket.Attempts >= q.cfg.MaxAttempts {
			reason := fmt.Sprintf("settlement failed after %d attempts", e.ticket.Attempts)
			serr := &core.SettlementError{TicketID: e.ticket.TicketID, WindowID: w.WindowID, Reason: reason, Err: cause}
			*events = append(*events, q.finishLocked(e, core.StatusExpired, reason, serr))
			expired++
			continue
		}
		e.ticket.Status = core.StatusQueued
		e.ticket.WindowID = ""
		if cause != nil {
			e.ticket.Reason = cause.Error()
		}
		head = append(head, e.ticket.TicketID)
		*events = append(*events, Event{Ticket: e.ticket, At: now})
		requeued++
	}
	q.pending = append(head, q.pending...)
	return requeued, expired
}

// expireLocked removes queued tickets that aged out or whose limit price
// drifted too far from the market.
func (q *Queue) expireLocked(now time.Time) []Event {
	var events []Event
	kept := q.pending[:0]
	for _, id := range q.pending {
		e := q.tickets[id]
		if reason := q.expiryReason(e.ticket, now); reason != "" {
			serr := &core.SettlementError{TicketID: id, Reason: reason}
			events = append(events, q.finishLocked(e, core.StatusExpired, reason, serr))
			continue
		}
		kept = append(kept, id)
	}
	q.pending = kept
	return events
}

func (q *Queue) expiryReason(t core.OrderTicket, now time.Time) string {
	if q.cfg.MaxTicketAge > 0 && now.Sub(t.CreatedAt) > q.cfg.MaxTicketAge {
		return fmt.Sprintf("ticket aged out after %s", now.Sub(t.CreatedAt).Round(time.Second))
	}
	if q.cfg.LimitStalenessPct > 0 && t.OrderType == core.Limit && q.prices != nil {
		// A stale mark says nothing about the market; keep the ticket.
		mark := q.prices.Quote(t.Market)
		limit := t.Price.InexactFloat64()
		if mark.Loaded && !mark.Stale && limit > 0 {
			if drift := math.Abs(mark.Price.Price-limit) / limit; drift > q.cfg.LimitStalenessPct {
				return fmt.Sprintf("price moved %.1f%% from limit, beyond %.1f%% staleness bound",
					drift*100, q.cfg.LimitStalenessPct*100)
			}
		}
	}
	return ""
}

// finishLocked moves e to a terminal status and returns the event to emit.
func (q *Queue) finishLocked(e *entry, status core.TicketStatus, reason string, err error) Event {
	now := q.clock.Now()
	e.ticket.Status = status
	e.ticket.Reason = reason
	e.doneAt = now
	q.metrics.TicketTerminal(status.String())
	return Event{Ticket: e.ticket, Err: err, At: now}
}

func (q *Queue) removePendingLocked(id string) {
	for i, p := range q.pending {
		if p == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

// pruneLocked forgets terminal tickets after RetainTerminal. Their IDs are
// then admissible again; the settler still refuses to execute them twice.
func (q *Queue) pruneLocked(now time.Time) {
	for id, e := range q.tickets {
		if e.ticket.Status.IsTerminal() && now.Sub(e.doneAt) > q.cfg.RetainTerminal {
			delete(q.tickets, id)
		}
	}
}

// flush delivers the outbox in order. If another goroutine is already
// delivering, it picks up the new events and flush returns at once; this
// also makes callbacks that call back into the queue safe.
func (q *Queue) flush() {
	q.mu.Lock()
	if q.flushing {
		q.mu.Unlock()
		return
	}
	q.flushing = true
	for len(q.outbox) > 0 {
		events := q.outbox
		q.outbox = nil
		subs := make([]*EventSubscription, 0, len(q.subs))
		for _, s := range q.subs {
			subs = append(subs, s)
		}
		q.mu.Unlock()

		sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })
		for _, ev := range events {
			for _, s := range subs {
				if !s.closed.Load() {
					s.fn(ev)
				}
			}
		}

		q.mu.Lock()
	}
	q.flushing = false
	q.mu.Unlock()
}
