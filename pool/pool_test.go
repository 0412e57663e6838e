package pool

import (
	"net"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goflare.io/asyncpg/driver"
	"goflare.io/asyncpg/guard"
	"goflare.io/asyncpg/reactor"
)

// handshakingFactory hands out drivers wired to an in-memory net.Pipe,
// each answered by a minimal fake server goroutine that only completes
// the startup handshake — enough for pool-level tests, which exercise
// lending/idle/waiter behavior rather than query execution.
type handshakingFactory struct {
	t *testing.T
}

func (f *handshakingFactory) Create() *driver.Driver {
	clientConn, serverConn := net.Pipe()
	go answerHandshake(f.t, serverConn)
	return driver.New(driver.Options{
		Dial:    func() (net.Conn, error) { return clientConn, nil },
		Reactor: reactor.NewLoop(16),
	})
}

func answerHandshake(t *testing.T, conn net.Conn) {
	backend := pgproto3.NewBackend(conn, conn)
	if _, err := backend.ReceiveStartupMessage(); err != nil {
		return
	}
	backend.Send(&pgproto3.AuthenticationOk{})
	backend.Send(&pgproto3.ParameterStatus{Name: "server_version", Value: "16.0"})
	backend.Send(&pgproto3.BackendKeyData{ProcessID: 1, SecretKey: 2})
	backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
	backend.Flush()
}

func waitConnected(t *testing.T, h driver.Handle) {
	t.Helper()
	connected := make(chan struct{})
	h.Driver().OnStateChanged(nil, func(s driver.State, msg string) {
		if s == driver.Connected {
			select {
			case <-connected:
			default:
				close(connected)
			}
		}
	})
	if h.Driver().State() == driver.Connected {
		return
	}
	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Connected")
	}
}

func TestLendAtCapacityReturnsInvalidHandle(t *testing.T) {
	p := New("t", &handshakingFactory{t: t}, Options{MaxConnections: 1, Reactor: reactor.NewLoop(16)})
	defer p.Close()

	h1 := p.Database()
	require.True(t, h1.Valid())
	waitConnected(t, h1)

	h2 := p.Database()
	assert.False(t, h2.Valid(), "second lend at cap=1 must be invalid")

	h1.Release()
}

func TestWaiterFIFO(t *testing.T) {
	p := New("t", &handshakingFactory{t: t}, Options{MaxConnections: 1, Reactor: reactor.NewLoop(16)})
	defer p.Close()

	h1 := p.Database()
	require.True(t, h1.Valid())
	waitConnected(t, h1)

	var order []string
	done := make(chan struct{}, 3)
	for _, name := range []string{"A", "B", "C"} {
		name := name
		p.DatabaseAsync(nil, func(h driver.Handle) {
			order = append(order, name)
			h.Release()
			done <- struct{}{}
		})
	}

	h1.Release()

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for waiter delivery")
		}
	}

	assert.Equal(t, []string{"A", "B", "C"}, order)
}

func TestDeadWaiterIsSkipped(t *testing.T) {
	p := New("t", &handshakingFactory{t: t}, Options{MaxConnections: 1, Reactor: reactor.NewLoop(16)})
	defer p.Close()

	h1 := p.Database()
	require.True(t, h1.Valid())
	waitConnected(t, h1)

	var order []string
	done := make(chan struct{}, 2)

	p.DatabaseAsync(nil, func(h driver.Handle) {
		order = append(order, "A")
		h.Release()
		done <- struct{}{}
	})

	deadGuard := guard.New()
	p.DatabaseAsync(deadGuard, func(h driver.Handle) {
		order = append(order, "B")
		h.Release()
		done <- struct{}{}
	})
	deadGuard.Kill()

	p.DatabaseAsync(nil, func(h driver.Handle) {
		order = append(order, "C")
		h.Release()
		done <- struct{}{}
	})

	h1.Release()

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out")
		}
	}

	assert.Equal(t, []string{"A", "C"}, order)
}

func TestIdleReuseInvokesReuseCallbackNotSetup(t *testing.T) {
	p := New("t", &handshakingFactory{t: t}, Options{MaxIdleConnections: 1, Reactor: reactor.NewLoop(16)})
	defer p.Close()

	var setupCalls, reuseCalls int
	p.SetSetupCallback(func(h driver.Handle) { setupCalls++ })
	p.SetReuseCallback(func(h driver.Handle) { reuseCalls++ })

	h1 := p.Database()
	require.True(t, h1.Valid())
	waitConnected(t, h1)
	h1.Release()

	require.Eventually(t, func() bool {
		return p.Stats().IdleConnections == 1
	}, 2*time.Second, 10*time.Millisecond)

	h2 := p.Database()
	require.True(t, h2.Valid())

	assert.Equal(t, 1, p.CurrentConnections())
	assert.Equal(t, 1, setupCalls)
	assert.Equal(t, 1, reuseCalls)

	h2.Release()
}

func TestMaxIdleConnectionsZeroDestroysOnReturn(t *testing.T) {
	p := New("t", &handshakingFactory{t: t}, Options{MaxIdleConnections: 0, Reactor: reactor.NewLoop(16)})
	defer p.Close()

	h1 := p.Database()
	require.True(t, h1.Valid())
	waitConnected(t, h1)
	h1.Release()

	require.Eventually(t, func() bool {
		return p.CurrentConnections() == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, p.Stats().IdleConnections)
}
