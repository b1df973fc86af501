// Package server runs the LDAP listener: the TCP accept loop, the
// per-connection dispatcher and the operation handlers.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/multidirectory/multidirectory/internal/ldap/filter"
	"github.com/multidirectory/multidirectory/internal/logger"
	"github.com/multidirectory/multidirectory/internal/metrics"
	"github.com/multidirectory/multidirectory/internal/mfa"
	"github.com/multidirectory/multidirectory/internal/policy"
	"github.com/multidirectory/multidirectory/pkg/store"
)

// Config holds the LDAP server configuration.
type Config struct {
	// BindAddress is the IP address to bind to. Empty binds all interfaces.
	BindAddress string

	// Port is the TCP port to listen on.
	Port int

	// MaxConnections limits concurrent client connections. 0 is unlimited.
	MaxConnections int

	// ShutdownTimeout is how long graceful shutdown waits for connections.
	ShutdownTimeout time.Duration

	// Workers is the number of concurrent operation workers per connection.
	Workers int

	// MaxMessageSize bounds a single request frame in bytes.
	MaxMessageSize int

	// TLS serves LDAPS: every connection is TLS from the first byte.
	// TLSConfig must be set when TLS is true; with TLS false it enables
	// the StartTLS extended operation.
	TLS       bool
	TLSConfig *tls.Config

	// VendorName and VendorVersion are reported on the root DSE.
	VendorName    string
	VendorVersion string

	// AllowAnonymousBind permits binds with an empty name and password.
	AllowAnonymousBind bool

	// ApproxAsEquality serves `~=` filters as a plain equality match
	// instead of the default inequality reading.
	ApproxAsEquality bool
}

// MFA bundles the second-factor collaborators: the provider client, the
// waiter pool shared with the HTTP callback surface, and the validator for
// callback tokens. A nil MFA disables the second factor entirely.
type MFA struct {
	Client      *mfa.Client
	Pool        *mfa.Pool
	Validator   *mfa.TokenValidator
	CallbackURL string
	Timeout     time.Duration
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = 389
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.Workers == 0 {
		c.Workers = 3
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 1 << 24
	}
}

// Server is the LDAP directory server.
type Server struct {
	cfg     Config
	store   *store.Store
	baseDN  string
	planner *filter.Planner
	gate    *policy.NetworkGate
	mfa     *MFA
	metrics *metrics.Metrics

	listener      net.Listener
	listenerMu    sync.RWMutex
	ListenerReady chan struct{}

	shutdown     chan struct{}
	shutdownOnce sync.Once

	activeConns sync.WaitGroup
	connCount   atomic.Int32
	conns       sync.Map // remote addr -> net.Conn

	shutdownCtx    context.Context
	cancelRequests context.CancelFunc

	nextConnID atomic.Uint64
}

// New creates a server over the given store. baseDN is the naming context
// the server answers for. secondFactor and m may be nil when no provider or
// metrics registry is configured.
func New(cfg Config, st *store.Store, baseDN string, secondFactor *MFA, m *metrics.Metrics) *Server {
	cfg.ApplyDefaults()
	shutdownCtx, cancelRequests := context.WithCancel(context.Background())
	return &Server{
		cfg:            cfg,
		store:          st,
		baseDN:         baseDN,
		planner:        &filter.Planner{BaseDN: baseDN, Groups: st, ApproxAsEquality: cfg.ApproxAsEquality},
		gate:           &policy.NetworkGate{Store: st},
		mfa:            secondFactor,
		metrics:        m,
		ListenerReady:  make(chan struct{}),
		shutdown:       make(chan struct{}),
		shutdownCtx:    shutdownCtx,
		cancelRequests: cancelRequests,
	}
}

// BaseDN returns the naming context the server answers for.
func (s *Server) BaseDN() string {
	return s.baseDN
}

// Serve runs the accept loop until ctx is cancelled or Stop is called.
func (s *Server) Serve(ctx context.Context) error {
	listenAddr := fmt.Sprintf("%s:%d", s.cfg.BindAddress, s.cfg.Port)

	var listener net.Listener
	var err error
	if s.cfg.TLS {
		if s.cfg.TLSConfig == nil {
			return fmt.Errorf("ldaps requires a tls configuration")
		}
		listener, err = tls.Listen("tcp", listenAddr, s.cfg.TLSConfig)
	} else {
		listener, err = net.Listen("tcp", listenAddr)
	}
	if err != nil {
		return fmt.Errorf("failed to create ldap listener on %s: %w", listenAddr, err)
	}

	s.listenerMu.Lock()
	s.listener = listener
	s.listenerMu.Unlock()
	close(s.ListenerReady)

	logger.Info("ldap server listening", "address", listener.Addr().String(), logger.KeyTLS, s.cfg.TLS)

	go func() {
		<-ctx.Done()
		s.initiateShutdown()
	}()

	var semaphore chan struct{}
	if s.cfg.MaxConnections > 0 {
		semaphore = make(chan struct{}, s.cfg.MaxConnections)
	}

	for {
		if semaphore != nil {
			select {
			case semaphore <- struct{}{}:
			case <-s.shutdown:
				return s.gracefulShutdown()
			}
		}

		tcpConn, err := listener.Accept()
		if err != nil {
			if semaphore != nil {
				<-semaphore
			}
			select {
			case <-s.shutdown:
				return s.gracefulShutdown()
			default:
				logger.Debug("error accepting ldap connection", logger.KeyError, err)
				continue
			}
		}

		if tcp, ok := tcpConn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}

		s.activeConns.Add(1)
		s.connCount.Add(1)
		s.metrics.ConnectionOpened()

		addr := tcpConn.RemoteAddr().String()
		s.conns.Store(addr, tcpConn)

		conn := s.newConnection(tcpConn)
		go func(addr string) {
			defer func() {
				s.conns.Delete(addr)
				s.activeConns.Done()
				s.connCount.Add(-1)
				s.metrics.ConnectionClosed()
				if semaphore != nil {
					<-semaphore
				}
			}()
			conn.serve(s.shutdownCtx)
		}(addr)
	}
}

// Stop initiates graceful shutdown and waits for connections to finish.
func (s *Server) Stop(ctx context.Context) error {
	s.initiateShutdown()

	done := make(chan struct{})
	go func() {
		s.activeConns.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.forceCloseConnections()
		return ctx.Err()
	}
}

// Addr returns the address the server is listening on. Blocks until the
// listener is ready; used by tests.
func (s *Server) Addr() string {
	<-s.ListenerReady
	s.listenerMu.RLock()
	defer s.listenerMu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) initiateShutdown() {
	s.shutdownOnce.Do(func() {
		logger.Debug("ldap shutdown initiated")
		close(s.shutdown)

		s.listenerMu.Lock()
		if s.listener != nil {
			_ = s.listener.Close()
		}
		s.listenerMu.Unlock()

		// Unblock pending reads, then cancel in-flight operations.
		deadline := time.Now().Add(100 * time.Millisecond)
		s.conns.Range(func(_, value any) bool {
			if conn, ok := value.(net.Conn); ok {
				_ = conn.SetReadDeadline(deadline)
			}
			return true
		})
		s.cancelRequests()
	})
}

func (s *Server) gracefulShutdown() error {
	done := make(chan struct{})
	go func() {
		s.activeConns.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("ldap graceful shutdown complete")
		return nil
	case <-time.After(s.cfg.ShutdownTimeout):
		remaining := s.connCount.Load()
		s.forceCloseConnections()
		return fmt.Errorf("ldap shutdown timeout: %d connections force-closed", remaining)
	}
}

func (s *Server) forceCloseConnections() {
	s.conns.Range(func(_, value any) bool {
		if conn, ok := value.(net.Conn); ok {
			_ = conn.Close()
		}
		return true
	})
}
