// Package stringcache implements node H's string-descriptor cache and
// fetch scheduler (spec.md §4.4): a small fixed-size cache keyed by
// string index, a single-in-flight fetch scheduler with retry and a
// final fallback, and a bounded pending-request table.
package stringcache

import (
	"log/slog"
	"time"
)

const (
	cacheSlots = 16

	fetchQueueCapacity   = 4
	pendingTableCapacity = 8

	retryInterval = 180 * time.Millisecond
	maxRetries    = 5
	fetchTimeout  = 150 * time.Millisecond
)

// Entry is one cached string descriptor.
type Entry struct {
	Index    uint8
	LangID   uint16
	Bytes    []byte
	Fallback bool
}

type cacheSlot struct {
	valid bool
	entry Entry
}

// Fetcher issues an asynchronous STRING_REQ to D; the result arrives later
// via Complete.
type Fetcher interface {
	RequestString(index uint8, langID uint16) error
}

// Forwarder delivers a resolved string descriptor onward (to the
// descriptor pipeline's chunked sender).
type Forwarder interface {
	ForwardString(index uint8, langID uint16, bytes []byte)
}

type pendingRequest struct {
	index       uint8
	langID      uint16
	fetching    bool
	retryCount  int
	requestedAt time.Time
}

// Cache is node H's string-descriptor cache and scheduler.
type Cache struct {
	slots [cacheSlots]cacheSlot
	next  int // ring cursor; slot 0 is overwritten first when full, per spec

	pending []pendingRequest
	queue   []struct {
		index  uint8
		langID uint16
	}

	fetcher   Fetcher
	forwarder Forwarder
	logger    *slog.Logger

	// SynthesizeFallback, when true, generates a synthetic minimal string
	// instead of an empty descriptor on final fallback. Off by default,
	// matching the protocol's conservative default.
	SynthesizeFallback bool
}

func New(fetcher Fetcher, forwarder Forwarder, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{fetcher: fetcher, forwarder: forwarder, logger: logger}
}

// normalizeLangID applies the protocol's LangID resolution rule: index 0
// keeps whatever LangID was requested (it is itself the LangID table
// fetch), any other index defaults to 0x0409 if the caller didn't specify
// one.
func normalizeLangID(index uint8, langID uint16) uint16 {
	if index == 0 {
		return langID
	}
	if langID == 0 {
		return 0x0409
	}
	return langID
}

// Request resolves index/langID from cache, or schedules a fetch. A cache
// hit forwards immediately; a miss enqueues (subject to queue capacity).
func (c *Cache) Request(index uint8, langID uint16) {
	langID = normalizeLangID(index, langID)

	if e, ok := c.lookup(index); ok {
		c.forwarder.ForwardString(index, langID, e.Bytes)
		return
	}

	for _, p := range c.pending {
		if p.index == index {
			return // already in flight or queued
		}
	}
	if len(c.pending) >= pendingTableCapacity {
		c.logger.Warn("stringcache: pending table full, dropping request", "index", index)
		return
	}
	if queued := c.queuedCount(); queued >= fetchQueueCapacity {
		c.logger.Warn("stringcache: fetch queue full, dropping request", "index", index)
		return
	}
	c.pending = append(c.pending, pendingRequest{index: index, langID: langID})
	c.tryDispatch()
}

func (c *Cache) queuedCount() int {
	n := 0
	for _, p := range c.pending {
		if !p.fetching {
			n++
		}
	}
	return n
}

// lookup returns any cached entry for index regardless of LangID, matching
// the protocol's "cache hit (any entry for index) forwards immediately"
// rule.
func (c *Cache) lookup(index uint8) (Entry, bool) {
	for _, s := range c.slots {
		if s.valid && s.entry.Index == index {
			return s.entry, true
		}
	}
	return Entry{}, false
}

// tryDispatch starts the next queued fetch if none is currently in flight.
func (c *Cache) tryDispatch() {
	for i := range c.pending {
		if c.pending[i].fetching {
			return // one fetch in flight at a time
		}
	}
	if len(c.pending) == 0 {
		return
	}
	p := &c.pending[0]
	if err := c.fetcher.RequestString(p.index, p.langID); err != nil {
		c.logger.Warn("stringcache: fetch request failed", "index", p.index, "error", err)
		return
	}
	p.fetching = true
	p.requestedAt = time.Now()
}

// Complete handles a STRING_DESC response arriving from D, inserting it
// into the cache and forwarding it, then dispatching the next queued
// fetch.
func (c *Cache) Complete(index uint8, langID uint16, bytes []byte) {
	c.insert(Entry{Index: index, LangID: langID, Bytes: bytes})
	c.forwarder.ForwardString(index, langID, bytes)
	c.removePending(index)
	c.tryDispatch()
}

func (c *Cache) insert(e Entry) {
	c.slots[c.next] = cacheSlot{valid: true, entry: e}
	c.next = (c.next + 1) % cacheSlots
}

func (c *Cache) removePending(index uint8) {
	out := c.pending[:0]
	for _, p := range c.pending {
		if p.index != index {
			out = append(out, p)
		}
	}
	c.pending = out
}

// Tick drives retry and timeout logic; call periodically from the main
// loop.
func (c *Cache) Tick(now time.Time) {
	if len(c.pending) == 0 {
		return
	}
	p := &c.pending[0]
	if !p.fetching {
		c.tryDispatch()
		return
	}
	elapsed := now.Sub(p.requestedAt)
	if elapsed >= fetchTimeout {
		c.fallback(*p)
		c.removePending(p.index)
		c.tryDispatch()
		return
	}
	if elapsed >= retryInterval {
		if p.retryCount >= maxRetries {
			c.fallback(*p)
			c.removePending(p.index)
			c.tryDispatch()
			return
		}
		p.retryCount++
		if err := c.fetcher.RequestString(p.index, p.langID); err != nil {
			c.logger.Warn("stringcache: retry failed", "index", p.index, "error", err)
		}
		p.requestedAt = now
	}
}

func (c *Cache) fallback(p pendingRequest) {
	var bytes []byte
	if c.SynthesizeFallback {
		bytes = syntheticString(p.index)
	} else {
		bytes = []byte{2, 3} // bLength=2, bDescriptorType=STRING, empty UTF-16LE body
	}
	c.logger.Warn("stringcache: falling back after exhausted retries", "index", p.index, "synthetic", c.SynthesizeFallback)
	c.insert(Entry{Index: p.index, LangID: p.langID, Bytes: bytes, Fallback: true})
	c.forwarder.ForwardString(p.index, p.langID, bytes)
}

func syntheticString(index uint8) []byte {
	text := []rune{'?'}
	body := make([]byte, 0, 2+2*len(text))
	for _, r := range text {
		body = append(body, byte(r), 0)
	}
	out := append([]byte{byte(2 + len(body)), 3}, body...)
	return out
}

// Len reports how many pending requests (queued + in flight) exist,
// exported for tests and diagnostics.
func (c *Cache) Len() int { return len(c.pending) }

// QueueCapacity and PendingCapacity expose the configured bounds.
func QueueCapacity() int   { return fetchQueueCapacity }
func PendingCapacity() int { return pendingTableCapacity }
