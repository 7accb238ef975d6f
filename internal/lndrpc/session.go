// Package lndrpc maintains the daemon's gRPC client sessions against a
// Lightning node. A node exposes two mutually exclusive services: the
// pre-authentication WalletUnlocker while the wallet is locked, and the
// authenticated Lightning service afterwards. Requests and responses are
// relayed as pre-encoded protobuf frames; the daemon never links the node's
// generated API types.
package lndrpc

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/photonpay/photond/internal/eventbus"
)

// passthroughPrefix bypasses gRPC DNS resolution so host strings are dialed
// exactly as configured.
const passthroughPrefix = "passthrough:///"

// DefaultProbeTimeout bounds the connect-time probe RPC.
const DefaultProbeTimeout = 10 * time.Second

// ErrSessionClosed indicates an operation on a disconnected session.
var ErrSessionClosed = errors.New("lndrpc: session closed")

// ServiceKind selects which node gRPC service a session speaks to.
type ServiceKind string

const (
	ServiceWalletUnlocker ServiceKind = "walletUnlocker"
	ServiceLightning      ServiceKind = "lightning"
)

func (k ServiceKind) servicePath() string {
	if k == ServiceWalletUnlocker {
		return "/lnrpc.WalletUnlocker/"
	}
	return "/lnrpc.Lightning/"
}

// probeMethod is invoked with an empty request at connect time to verify the
// service is actually being served. GenSeed and GetInfo are both read-only.
func (k ServiceKind) probeMethod() string {
	if k == ServiceWalletUnlocker {
		return "GenSeed"
	}
	return "GetInfo"
}

// methodPath resolves a boundary method name ("getInfo", "unlockWallet")
// into the full gRPC method path for this service.
func (k ServiceKind) methodPath(method string) string {
	if strings.HasPrefix(method, "/") {
		return method
	}
	if method != "" {
		method = strings.ToUpper(method[:1]) + method[1:]
	}
	return k.servicePath() + method
}

// ConnectOption customises session establishment.
type ConnectOption func(*connectConfig)

type connectConfig struct {
	probeTimeout time.Duration
	dialOpts     []grpc.DialOption
}

// WithProbeTimeout overrides the connect-time probe deadline.
func WithProbeTimeout(d time.Duration) ConnectOption {
	return func(cfg *connectConfig) {
		if d > 0 {
			cfg.probeTimeout = d
		}
	}
}

// WithDialOptions appends extra gRPC dial options. Later options win, which
// lets tests swap the transport for an in-memory conn.
func WithDialOptions(opts ...grpc.DialOption) ConnectOption {
	return func(cfg *connectConfig) {
		cfg.dialOpts = append(cfg.dialOpts, opts...)
	}
}

// Session is a live gRPC client session against one node service.
type Session struct {
	kind    ServiceKind
	host    string
	bus     *eventbus.Bus
	closing chan struct{}

	mu        sync.Mutex
	conn      *grpc.ClientConn
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Connect dials the node endpoint and probes the requested service. The
// returned error is always a *ConnectError on failure; errors.Is with
// ErrUnimplemented identifies a node serving the other interface.
func Connect(ctx context.Context, kind ServiceKind, creds Credentials, bus *eventbus.Bus, opts ...ConnectOption) (*Session, error) {
	cfg := connectConfig{probeTimeout: DefaultProbeTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}

	EnsureProcessCipherEnv(creds.Ciphers)

	tlsCfg, err := creds.tlsConfig()
	if err != nil {
		var cerr *ConnectError
		if errors.As(err, &cerr) {
			return nil, cerr
		}
		return nil, &ConnectError{Host: creds.Host, Kind: FailureCertificate, Err: err}
	}

	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(credentials.NewTLS(tlsCfg)),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})),
	}
	if mac, err := creds.macaroonCreds(); err != nil {
		var cerr *ConnectError
		if errors.As(err, &cerr) {
			return nil, cerr
		}
		return nil, &ConnectError{Host: creds.Host, Kind: FailureMacaroon, Err: err}
	} else if mac != nil {
		dialOpts = append(dialOpts, grpc.WithPerRPCCredentials(mac))
	}
	dialOpts = append(dialOpts, cfg.dialOpts...)

	conn, err := grpc.NewClient(passthroughPrefix+creds.Host, dialOpts...)
	if err != nil {
		return nil, &ConnectError{Host: creds.Host, Kind: FailureHostUnreachable, Err: err}
	}

	s := &Session{
		kind:    kind,
		host:    creds.Host,
		bus:     bus,
		closing: make(chan struct{}),
		conn:    conn,
	}

	probeCtx, probeCancel := context.WithTimeout(ctx, cfg.probeTimeout)
	defer probeCancel()
	if _, err := s.Invoke(probeCtx, s.kind.probeMethod(), nil); err != nil {
		conn.Close()
		return nil, classifyConnectError(creds.Host, err)
	}

	log.Printf("[lndrpc] %s session established (%s)", kind, creds.Host)
	return s, nil
}

// Kind reports which service the session speaks to.
func (s *Session) Kind() ServiceKind { return s.kind }

// Host returns the dialed endpoint.
func (s *Session) Host() string { return s.host }

// Invoke performs a unary RPC with a pre-encoded request frame and returns
// the raw response frame.
func (s *Session) Invoke(ctx context.Context, method string, payload []byte) ([]byte, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil, ErrSessionClosed
	}

	out := &RawMessage{}
	if err := conn.Invoke(ctx, s.kind.methodPath(method), &RawMessage{Data: payload}, out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

var serverStreamDesc = &grpc.StreamDesc{ServerStreams: true}

// Subscribe opens a server-streaming RPC and publishes every received frame
// on the bus as an RPCPushEvent. The stream runs until the session is closed
// or the node ends it.
func (s *Session) Subscribe(method string, payload []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrSessionClosed
	}

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := conn.NewStream(ctx, serverStreamDesc, s.kind.methodPath(method), grpc.ForceCodec(rawCodec{}))
	if err != nil {
		cancel()
		return err
	}
	if err := stream.SendMsg(&RawMessage{Data: payload}); err != nil {
		cancel()
		return err
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		for {
			frame := &RawMessage{}
			if err := stream.RecvMsg(frame); err != nil {
				if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
					log.Printf("[lndrpc] %s stream %s ended: %v", s.kind, method, err)
				}
				return
			}
			s.bus.Publish(ctx, eventbus.Envelope{
				Topic:   eventbus.TopicRPCPush,
				Source:  eventbus.SourceLightning,
				Payload: eventbus.RPCPushEvent{Method: method, Payload: frame.Data},
			})
		}
	}()

	// Tie the stream to the session lifetime.
	go func() {
		select {
		case <-s.closing:
		case <-ctx.Done():
		}
		cancel()
	}()
	return nil
}

// Close tears down the session: active streams are cancelled, the underlying
// connection is closed, and all stream goroutines have returned when Close
// returns. Closing twice is safe.
func (s *Session) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	s.closeOnce.Do(func() { close(s.closing) })

	var err error
	if conn != nil {
		err = conn.Close()
	}
	s.wg.Wait()
	return err
}

// Closed reports whether the session has been torn down.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn == nil
}
