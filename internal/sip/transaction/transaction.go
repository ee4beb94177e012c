// Package transaction implements the SIP transaction table from spec §4.3:
// outbound-request retry/timeout correlation keyed by cseq:branch:call_id
// (or INVITE:branch for INVITE), built on internal/expiry the same way the
// anti-replay cache is.
package transaction

import (
	"context"
	"sync"
	"time"

	"github.com/gb28181/vms/internal/expiry"
	"github.com/gb28181/vms/internal/sip/message"
)

// State is the transaction's SIP-level progress.
type State int

const (
	StateNone State = iota
	StateProceeding
	StateCompleted
)

const (
	retryTTL   = 2 * time.Second
	maxRetries = 2
)

// Sender delivers (or re-delivers) a serialized request to the network
// layer. Implemented by internal/sip/transport in production.
type Sender interface {
	Send(association any, raw []byte) error
}

// Callback is invoked exactly once per transaction: with the final
// response on success, or with ok=false (a synthesized timeout) after
// maxRetries is exhausted.
type Callback func(resp *message.Message, ok bool)

type txn struct {
	mu          sync.Mutex
	state       State
	retries     int
	raw         []byte
	association any
	cb          Callback
	key         string
}

// Table is the transaction registry.
type Table struct {
	wheel  *expiry.Wheel[string, *txn]
	sender Sender
}

// New constructs a Table that retries through sender.
func New(sender Sender) *Table {
	t := &Table{sender: sender}
	t.wheel = expiry.New[string, *txn](t.onExpire)
	return t
}

// Run drives the retry/timeout sweeper until ctx is canceled.
func (t *Table) Run(ctx context.Context) {
	t.wheel.Run(ctx)
}

// Open inserts a new outbound transaction for req (already serialized into
// raw) and schedules its first retry deadline. ACK requests must not be
// passed here — per spec §4.3 they bypass the table entirely; callers
// should invoke cb synthetically instead.
func (t *Table) Open(req *message.Message, raw []byte, association any, cb Callback) {
	key := req.TransactionKey()
	e := &txn{raw: raw, association: association, cb: cb, key: key}
	t.wheel.Insert(key, retryTTL, e)
}

// onExpire is the expiry.Handler invoked when a transaction's deadline
// elapses without a terminating response.
func (t *Table) onExpire(key string, e *txn) {
	e.mu.Lock()
	if e.retries >= maxRetries {
		cb := e.cb
		e.mu.Unlock()
		if cb != nil {
			cb(nil, false)
		}
		return
	}
	e.retries++
	raw := e.raw
	assoc := e.association
	e.mu.Unlock()

	if t.sender != nil {
		_ = t.sender.Send(assoc, raw)
	}
	// Re-insert for the next retry window; transaction stays open.
	t.wheel.Insert(key, retryTTL, e)
}

// HandleResponse correlates an inbound response against its transaction.
// 1xx extends the deadline and marks Proceeding; 2xx-6xx completes the
// transaction and invokes its callback exactly once. Returns false if no
// matching transaction exists (caller should warn-log and discard).
func (t *Table) HandleResponse(resp *message.Message) bool {
	key := resp.TransactionKey()
	e, ok := t.wheel.Get(key)
	if !ok {
		return false
	}

	if resp.StatusCode >= 100 && resp.StatusCode < 200 {
		e.mu.Lock()
		e.state = StateProceeding
		e.mu.Unlock()
		t.wheel.Refresh(key, retryTTL)
		return true
	}

	t.wheel.Remove(key)
	e.mu.Lock()
	e.state = StateCompleted
	cb := e.cb
	e.mu.Unlock()
	if cb != nil {
		cb(resp, true)
	}
	return true
}

// Len reports the number of open transactions (for metrics/testing).
func (t *Table) Len() int { return t.wheel.Len() }
