package stringcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	requests []struct {
		index  uint8
		langID uint16
	}
	fail bool
}

func (f *fakeFetcher) RequestString(index uint8, langID uint16) error {
	if f.fail {
		return assertErr{}
	}
	f.requests = append(f.requests, struct {
		index  uint8
		langID uint16
	}{index, langID})
	return nil
}

type assertErr struct{}

func (assertErr) Error() string { return "fetch failed" }

type fakeForwarder struct {
	forwarded []Entry
}

func (f *fakeForwarder) ForwardString(index uint8, langID uint16, bytes []byte) {
	f.forwarded = append(f.forwarded, Entry{Index: index, LangID: langID, Bytes: bytes})
}

func TestRequestSchedulesFetchOnMiss(t *testing.T) {
	fetcher := &fakeFetcher{}
	fwd := &fakeForwarder{}
	c := New(fetcher, fwd, nil)

	c.Request(2, 0)
	require.Len(t, fetcher.requests, 1)
	require.EqualValues(t, 0x0409, fetcher.requests[0].langID)
}

func TestCompleteInsertsAndForwardsThenDispatchesNext(t *testing.T) {
	fetcher := &fakeFetcher{}
	fwd := &fakeForwarder{}
	c := New(fetcher, fwd, nil)

	c.Request(2, 0x0409)
	c.Request(3, 0x0409)
	require.Len(t, fetcher.requests, 1, "only one fetch in flight")

	c.Complete(2, 0x0409, []byte{4, 3, 'h', 0})
	require.Len(t, fwd.forwarded, 1)
	require.Len(t, fetcher.requests, 2, "next queued fetch dispatched")
}

func TestRequestHitsCacheImmediately(t *testing.T) {
	fetcher := &fakeFetcher{}
	fwd := &fakeForwarder{}
	c := New(fetcher, fwd, nil)

	c.Request(2, 0x0409)
	c.Complete(2, 0x0409, []byte{4, 3, 'h', 0})

	c.Request(2, 0x0409)
	require.Len(t, fetcher.requests, 1, "second request for cached index must not re-fetch")
	require.Len(t, fwd.forwarded, 2)
}

func TestTickRetriesThenFallsBackAfterMaxRetries(t *testing.T) {
	fetcher := &fakeFetcher{}
	fwd := &fakeForwarder{}
	c := New(fetcher, fwd, nil)

	c.Request(5, 0x0409)
	start := time.Now()

	for i := 1; i <= maxRetries; i++ {
		c.Tick(start.Add(time.Duration(i) * retryInterval))
	}
	require.Equal(t, maxRetries+1, len(fetcher.requests), "initial request plus each retry")

	c.Tick(start.Add(time.Duration(maxRetries+1) * retryInterval))
	require.Len(t, fwd.forwarded, 1)
	require.True(t, fwd.forwarded[0].Fallback)
	require.Equal(t, 0, c.Len())
}

func TestTickFallsBackOnOverallTimeoutEvenWithRetriesLeft(t *testing.T) {
	fetcher := &fakeFetcher{}
	fwd := &fakeForwarder{}
	c := New(fetcher, fwd, nil)

	c.Request(5, 0x0409)
	start := time.Now()
	c.Tick(start.Add(fetchTimeout))

	require.Len(t, fwd.forwarded, 1)
	require.True(t, fwd.forwarded[0].Fallback)
}

func TestPendingTableCapacityDropsExcessRequests(t *testing.T) {
	fetcher := &fakeFetcher{}
	fwd := &fakeForwarder{}
	c := New(fetcher, fwd, nil)

	for i := uint8(1); i <= pendingTableCapacity+2; i++ {
		c.Request(i, 0x0409)
	}
	require.LessOrEqual(t, c.Len(), pendingTableCapacity)
}
