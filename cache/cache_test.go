package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goflare.io/asyncpg/driver"
	"goflare.io/asyncpg/guard"
	"goflare.io/asyncpg/result"
)

// countingSource answers every exec with the result its answer func builds,
// after an optional delay, counting how many times it was actually invoked — standing in
// for a real database handle so cache tests exercise only the
// coalescing/TTL layer.
type countingSource struct {
	mu     sync.Mutex
	calls  int
	delay  time.Duration
	answer func(call int) result.Result
}

func (s *countingSource) exec(sql string, params driver.Params, cancel *guard.Guard, cb driver.ResultFn) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()

	go func() {
		if s.delay > 0 {
			time.Sleep(s.delay)
		}
		res := s.answer(call)
		cb(&res)
	}()
}

func (s *countingSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func buildResult(tag string) result.Result {
	var b result.Builder
	b.SetDescription(nil)
	return b.Build(tag)
}

func TestCoalescesConcurrentCallers(t *testing.T) {
	src := &countingSource{
		delay: 30 * time.Millisecond,
		answer: func(call int) result.Result { return buildResult("SELECT 1") },
	}
	c, err := New(src, nil)
	require.NoError(t, err)

	const n = 5
	results := make(chan *result.Result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Exec("SELECT 1", nil, nil, func(res *result.Result) {
				results <- res
			})
		}()
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		select {
		case res := <-results:
			assert.Equal(t, "SELECT 1", res.Tag())
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for coalesced result")
		}
	}

	assert.Equal(t, 1, src.callCount(), "5 concurrent identical execs must dispatch exactly once upstream")
}

func TestExpiringEntryTriggersSecondDispatch(t *testing.T) {
	src := &countingSource{
		answer: func(call int) result.Result { return buildResult("SELECT 1") },
	}
	c, err := New(src, nil)
	require.NoError(t, err)

	first := make(chan struct{})
	c.ExecExpiring("SELECT 1", nil, 100*time.Millisecond, nil, func(res *result.Result) { close(first) })
	select {
	case <-first:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first dispatch")
	}
	require.Equal(t, 1, src.callCount())

	time.Sleep(200 * time.Millisecond)

	second := make(chan struct{})
	c.ExecExpiring("SELECT 1", nil, 100*time.Millisecond, nil, func(res *result.Result) { close(second) })
	select {
	case <-second:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for second dispatch")
	}
	assert.Equal(t, 2, src.callCount(), "a stale entry must trigger a fresh upstream dispatch")
}

func TestClearEvictsEntry(t *testing.T) {
	src := &countingSource{
		answer: func(call int) result.Result { return buildResult("SELECT 1") },
	}
	c, err := New(src, nil)
	require.NoError(t, err)

	done := make(chan struct{})
	c.Exec("SELECT 1", nil, nil, func(res *result.Result) { close(done) })
	<-done
	require.Equal(t, 1, c.Size())

	c.Clear("SELECT 1", nil)
	assert.Equal(t, 0, c.Size())

	done2 := make(chan struct{})
	c.Exec("SELECT 1", nil, nil, func(res *result.Result) { close(done2) })
	<-done2
	assert.Equal(t, 2, src.callCount())
}

func TestDeadReceiverSkipsCallback(t *testing.T) {
	src := &countingSource{
		answer: func(call int) result.Result { return buildResult("SELECT 1") },
	}
	c, err := New(src, nil)
	require.NoError(t, err)

	g := guard.New()
	called := false
	done := make(chan struct{})
	c.Exec("SELECT 1", nil, g, func(res *result.Result) { called = true })
	c.Exec("SELECT 1", nil, nil, func(res *result.Result) { close(done) })
	g.Kill()

	<-done
	time.Sleep(20 * time.Millisecond)
	assert.False(t, called)
}
