package driver

import (
	"net"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"goflare.io/asyncpg/config"
	"goflare.io/asyncpg/reactor"
)

// Factory is the abstract capability the pool consumes to create new
// drivers. Swappable for mocks/test drivers — the pool never dials a
// socket itself.
type Factory interface {
	Create() *Driver
}

// TCPFactory dials a real PostgreSQL server over TCP (or a Unix socket
// when Config.Host starts with "/") for every Create call.
type TCPFactory struct {
	Config       config.Config
	Logger       *zap.Logger
	NewReactor   func() reactor.Reactor
	DialTimeout  time.Duration
}

// NewTCPFactory builds a factory dialing cfg.Address() on every Create.
func NewTCPFactory(cfg config.Config, logger *zap.Logger) *TCPFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TCPFactory{
		Config:      cfg,
		Logger:      logger,
		DialTimeout: 10 * time.Second,
		NewReactor:  func() reactor.Reactor { return reactor.NewLoop(256) },
	}
}

// Create implements Factory.
func (f *TCPFactory) Create() *Driver {
	dialer := func() (net.Conn, error) {
		network := "tcp"
		addr := f.Config.Address()
		if len(f.Config.Host) > 0 && f.Config.Host[0] == '/' {
			network = "unix"
			addr = f.Config.Host
		}
		conn, err := net.DialTimeout(network, addr, f.DialTimeout)
		if err != nil {
			return nil, errors.Wrap(err, "driver: dial")
		}
		return conn, nil
	}
	return New(Options{
		Dial:    dialer,
		Config:  f.Config,
		Logger:  f.Logger,
		Reactor: f.NewReactor(),
	})
}

// StaticFactory always hands back connections to the same fixed address;
// useful for tests that want a deterministic single target without parsing
// a Config.
type StaticFactory struct {
	Dial    func() (net.Conn, error)
	Config  config.Config
	Logger  *zap.Logger
	Reactor func() reactor.Reactor
}

// Create implements Factory.
func (f *StaticFactory) Create() *Driver {
	newReactor := f.Reactor
	if newReactor == nil {
		newReactor = func() reactor.Reactor { return reactor.NewLoop(256) }
	}
	logger := f.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return New(Options{
		Dial:    f.Dial,
		Config:  f.Config,
		Logger:  logger,
		Reactor: newReactor(),
	})
}
