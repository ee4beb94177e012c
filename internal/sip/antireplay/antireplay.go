// Package antireplay implements the SIP anti-replay cache from spec §4.3:
// per-key idempotency tracking keyed by call_id:cseq:from_tag:remote_addr,
// with Loose (memoize-and-replay) and Strict (silent-drop) policies chosen
// from the request method and, for MESSAGE, the MANSCDP CmdType.
package antireplay

import (
	"context"
	"sync"
	"time"

	"github.com/gb28181/vms/internal/expiry"
	"github.com/gb28181/vms/internal/sip/manscdp"
	"github.com/gb28181/vms/internal/sip/message"
)

// Policy is the anti-replay behavior class for a request.
type Policy int

const (
	// Loose memoizes the eventual response and replays it to duplicates.
	Loose Policy = iota
	// Strict silently drops duplicates with no response.
	Strict
)

const (
	looseTTL  = 8 * time.Second
	strictTTL = 60 * time.Second
	// maxEntries bounds the cache per spec §3 (~1M entries); overflow
	// rejects new inserts rather than growing unbounded.
	maxEntries = 1000 * 1024
)

// PolicyFor selects the anti-replay policy and TTL for req per spec §4.3's
// table, consulting the decoded MANSCDP CmdType for MESSAGE requests.
func PolicyFor(req *message.Message) (Policy, time.Duration) {
	switch req.Method {
	case message.REGISTER, message.OPTIONS, message.SUBSCRIBE, message.NOTIFY:
		return Loose, looseTTL
	case message.INVITE, message.ACK, message.BYE, message.CANCEL, message.INFO:
		return Strict, strictTTL
	case message.MESSAGE:
		return policyForMessageBody(req.Body)
	default:
		return Strict, strictTTL
	}
}

func policyForMessageBody(body []byte) (Policy, time.Duration) {
	env, err := manscdp.DecodeBody(body)
	if err != nil {
		return Strict, strictTTL
	}
	switch env.CmdType {
	case manscdp.CmdKeepalive, manscdp.CmdDeviceStatus, manscdp.CmdDeviceInfo:
		return Loose, looseTTL
	case manscdp.CmdAlarm, manscdp.CmdDeviceControl, manscdp.CmdConfigDownload:
		return Strict, strictTTL
	default:
		return Strict, strictTTL
	}
}

// Verdict is the outcome of checking a request against the cache.
type Verdict int

const (
	// NeedProcess: miss, or loose hit with no cached response yet — the
	// caller should run the handler (and, for loose, eventually call
	// StoreResponse).
	NeedProcess Verdict = iota
	// RespondWithCached: loose hit with a cached response — send it as-is.
	RespondWithCached
	// Drop: strict hit — do not respond.
	Drop
)

type entry struct {
	policy       Policy
	seenCount    int
	cachedResp   []byte
	hasCached    bool
	mu           sync.Mutex
}

// Cache is the anti-replay registry. The expiration wheel's eviction
// handler simply forgets the entry (a TTL-based silent expiry, no further
// side effects per spec §4.3).
type Cache struct {
	wheel *expiry.Wheel[string, *entry]
}

// New constructs an empty cache and its sweeper wheel (caller starts
// Run(ctx) separately, matching internal/expiry's convention).
func New() *Cache {
	c := &Cache{}
	c.wheel = expiry.New[string, *entry](func(key string, payload *entry) {})
	return c
}

// Run drives the cache's expiration sweeper until ctx is canceled.
func (c *Cache) Run(ctx context.Context) {
	c.wheel.Run(ctx)
}

// Check looks up key, inserting a fresh entry on miss. Returns the verdict
// and, for RespondWithCached, the number of times to replay the cached
// bytes (spec: "the writer sends that many copies") along with the bytes.
func (c *Cache) Check(key string, policy Policy, ttl time.Duration) (Verdict, []byte, int) {
	if v, ok := c.wheel.Get(key); ok {
		v.mu.Lock()
		defer v.mu.Unlock()
		v.seenCount++
		if v.policy == Strict {
			return Drop, nil, 0
		}
		if v.hasCached {
			return RespondWithCached, v.cachedResp, v.seenCount
		}
		return NeedProcess, nil, 0
	}

	if c.wheel.Len() >= maxEntries {
		return Drop, nil, 0
	}

	e := &entry{policy: policy, seenCount: 1}
	c.wheel.Insert(key, ttl, e)
	return NeedProcess, nil, 0
}

// StoreResponse memoizes resp for a Loose entry so queued duplicates replay
// it. No-op if key is absent (expired before the handler finished) or the
// entry is Strict.
func (c *Cache) StoreResponse(key string, resp []byte) {
	e, ok := c.wheel.Get(key)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.policy != Loose {
		return
	}
	e.cachedResp = resp
	e.hasCached = true
}

// Len reports the number of tracked entries (for metrics/testing).
func (c *Cache) Len() int { return c.wheel.Len() }
