package transaction

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gb28181/vms/internal/sip/message"
)

type fakeSender struct {
	mu    sync.Mutex
	sends int
}

func (f *fakeSender) Send(association any, raw []byte) error {
	f.mu.Lock()
	f.sends++
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends
}

func newReq(method message.Method) *message.Message {
	opt := message.RequestOptions{Transport: "UDP", LocalAddr: "a", RemoteURI: "sip:b", FromURI: "sip:c", CSeq: 1}
	return message.NewRequest(method, opt)
}

func TestHandleResponseCompletesTransaction(t *testing.T) {
	sender := &fakeSender{}
	tbl := New(sender)

	req := newReq(message.INVITE)
	var called int32
	var gotOK bool
	tbl.Open(req, []byte("raw"), "assoc", func(resp *message.Message, ok bool) {
		atomic.AddInt32(&called, 1)
		gotOK = ok
	})

	resp := message.Response(req, 200, "OK", "")
	if !tbl.HandleResponse(resp) {
		t.Fatalf("expected HandleResponse to find the transaction")
	}
	if atomic.LoadInt32(&called) != 1 {
		t.Fatalf("expected callback invoked once, got %d", called)
	}
	if !gotOK {
		t.Fatalf("expected ok=true on 200 response")
	}
	if tbl.Len() != 0 {
		t.Fatalf("expected transaction removed after completion")
	}
}

func TestHandleResponseUnknownKeyReturnsFalse(t *testing.T) {
	tbl := New(&fakeSender{})
	req := newReq(message.INVITE)
	resp := message.Response(req, 200, "OK", "")
	if tbl.HandleResponse(resp) {
		t.Fatalf("expected false for unmatched transaction")
	}
}

func TestProvisionalResponseExtendsDeadline(t *testing.T) {
	sender := &fakeSender{}
	tbl := New(sender)
	req := newReq(message.INVITE)
	tbl.Open(req, []byte("raw"), "assoc", func(resp *message.Message, ok bool) {})

	resp := message.Response(req, 100, "Trying", "")
	if !tbl.HandleResponse(resp) {
		t.Fatalf("expected 1xx to match transaction")
	}
	if tbl.Len() != 1 {
		t.Fatalf("expected transaction to remain open after 1xx")
	}
}

func TestRetryThenTimeoutInvokesCallbackOnce(t *testing.T) {
	sender := &fakeSender{}
	tbl := New(sender)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tbl.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	req := newReq(message.INVITE)
	var calls int32
	tbl.Open(req, []byte("raw"), "assoc", func(resp *message.Message, ok bool) {
		atomic.AddInt32(&calls, 1)
	})

	// 2s retry TTL * (maxRetries+1) plus margin.
	deadline := time.After(8 * time.Second)
	for {
		if atomic.LoadInt32(&calls) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for timeout callback; sends=%d", sender.count())
		case <-time.After(50 * time.Millisecond):
		}
	}
	if sender.count() < maxRetries {
		t.Fatalf("expected at least %d retries sent, got %d", maxRetries, sender.count())
	}
}
