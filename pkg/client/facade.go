// Package client binds the flat-file directory provider, the embedded
// circuit/connection protocol stack, and the HTTP/1.0 wire codec into a
// single façade: build a circuit, open an anonymized stream to a host and
// port, and drive one HTTP request/response over it. Each connection gets a
// newly built circuit; existing circuits are not reused.
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/opd-ai/torcache/pkg/cacheclient"
	"github.com/opd-ai/torcache/pkg/cell"
	"github.com/opd-ai/torcache/pkg/circuit"
	"github.com/opd-ai/torcache/pkg/config"
	"github.com/opd-ai/torcache/pkg/directory"
	"github.com/opd-ai/torcache/pkg/errors"
	"github.com/opd-ai/torcache/pkg/httpwire"
	"github.com/opd-ai/torcache/pkg/logger"
	"github.com/opd-ai/torcache/pkg/path"
)

const (
	circuitBuildTimeout = 60 * time.Second
	streamOpenTimeout   = 30 * time.Second
	maxSendAttempts     = 5
)

// Client is the Tor-client façade of §4.H: a bootstrapped directory
// provider plus a circuit builder, exposing Connect (an anonymized
// bytestream) and Send (a one-shot HTTP/1.0 request over a TLS-wrapped
// Connect).
type Client struct {
	cfg *config.Config
	log *logger.Logger

	cache    *cacheclient.Controller
	provider *directory.Provider
	manager  *circuit.Manager
	builder  *circuit.Builder
	selector *path.Selector
	guards   *path.GuardManager
	breaker  *errors.CircuitBreaker

	mu        sync.Mutex
	streamSeq uint16
}

// New constructs a Client. It does not touch the network or read the
// directory cache files until Bootstrap is called; it does create CacheDir
// if needed and load any saved guard state from it.
func New(cfg *config.Config, log *logger.Logger) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.Component("client")

	guards, err := path.NewGuardManager(cfg.CacheDir, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open guard state: %w", err)
	}

	manager := circuit.NewManager()
	return &Client{
		cfg: cfg,
		log: log,
		cache: cacheclient.NewController(cacheclient.Config{
			CacheDir:       cfg.CacheDir,
			ArchiveURL:     cfg.ArchiveURL,
			ChurnURL:       cfg.ChurnURL,
			ConnectTimeout: cfg.ConnectTimeout,
			RequestTimeout: cfg.RequestTimeout,
		}, log),
		provider: directory.NewProvider(log),
		manager:  manager,
		builder:  circuit.NewBuilder(manager, log),
		guards:   guards,
		breaker:  errors.NewCircuitBreaker(errors.DefaultCircuitBreakerConfig()),
	}, nil
}

// Bootstrap ensures the on-disk directory cache is fresh enough to use,
// loads and assembles it into a NetworkDirectory, and publishes it to the
// provider. It must complete successfully before Connect or Send will work.
func (c *Client) Bootstrap(ctx context.Context) error {
	now := time.Now()
	if err := c.cache.Ensure(ctx, now); err != nil {
		return err
	}

	in, err := c.loadAssembleInput()
	if err != nil {
		return err
	}

	if err := c.provider.Bootstrap(in, now); err != nil {
		return err
	}

	c.mu.Lock()
	c.selector = path.NewSelectorWithGuards(c.provider.Latest(), c.guards, c.log)
	c.mu.Unlock()

	c.log.Info("bootstrap complete", "relays", len(c.provider.Latest().Relays))
	return nil
}

func (c *Client) loadAssembleInput() (directory.AssembleInput, error) {
	var in directory.AssembleInput

	authorities, err := directory.LoadAuthorities(c.cfg.AuthorityFilePath())
	if err != nil {
		return in, err
	}
	in.Authorities = authorities

	certBytes, err := readCacheFile(c.cfg.CacheDir, "certificate.txt")
	if err != nil {
		return in, err
	}
	cert, err := directory.ParseCertificate(certBytes, time.Now())
	if err != nil {
		return in, err
	}
	in.Certificates = []*directory.AuthorityCertificate{cert}

	consensusBytes, err := readCacheFile(c.cfg.CacheDir, "consensus.txt")
	if err != nil {
		return in, err
	}
	in.ConsensusBytes = consensusBytes

	microdescBytes, err := readCacheFile(c.cfg.CacheDir, "microdescriptors.txt")
	if err != nil {
		return in, err
	}
	in.MicrodescBytes = microdescBytes

	churnBytes, err := readCacheFile(c.cfg.CacheDir, "churn.txt")
	if err != nil {
		return in, err
	}
	in.ChurnBytes = churnBytes

	return in, nil
}

func readCacheFile(cacheDir, name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(cacheDir, name))
	if err != nil {
		return nil, errors.CacheCorruptionErrorWrap("required file(s) missing in cache", err)
	}
	return data, nil
}

// Connect opens an anonymized bytestream to host:port over a freshly built
// 3-hop circuit. The returned net.Conn's internals (onion handshakes, cell
// framing, stream multiplexing) belong to the embedded circuit/connection
// layer; this method only picks a path, builds the circuit, and opens the
// RELAY_BEGIN stream on it.
func (c *Client) Connect(ctx context.Context, host string, port uint16) (net.Conn, error) {
	c.mu.Lock()
	selector := c.selector
	c.mu.Unlock()
	if selector == nil {
		return nil, errors.DirectoryNotPresentError()
	}

	p, err := selector.SelectPath(int(port))
	if err != nil {
		return nil, fmt.Errorf("select path: %w", err)
	}

	circ, err := c.builder.BuildCircuit(ctx, p, circuitBuildTimeout)
	if err != nil {
		return nil, errors.CircuitError("failed to build circuit", err)
	}
	circ.SetIsolationKey(circuit.NewIsolationKey(circuit.IsolationDestination).WithDestination(fmt.Sprintf("%s:%d", host, port)))

	streamID := c.nextStreamID()
	if err := circ.OpenStream(streamID, host, port); err != nil {
		return nil, errors.ConnectionError("failed to open stream", err)
	}

	return &torStream{circuit: circ, streamID: streamID}, nil
}

func (c *Client) nextStreamID() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streamSeq++
	if c.streamSeq == 0 {
		c.streamSeq = 1
	}
	return c.streamSeq
}

// Send performs req against host:port: opens a Tor stream, wraps it in a
// TLS client handshake against host (system root store), writes the
// serialized request, and parses the response. The request is attempted up
// to maxSendAttempts (5) times in total, retrying on stream-level failures,
// within one breaker-guarded attempt;
// a TLS handshake failure is not retried, since it signals a protocol
// mismatch rather than transient relay flakiness. The whole operation runs
// under a circuit breaker shared across calls: once circuit building has
// failed often enough in a short window, further Send calls fail fast
// instead of repeatedly paying the cost of building a doomed circuit.
func (c *Client) Send(ctx context.Context, host string, port uint16, req *httpwire.Request) (*httpwire.Response, error) {
	if req.Version != "" && req.Version != httpwire.HTTP10 {
		return nil, errors.UnsupportedVersionError(req.Version)
	}

	var resp *httpwire.Response
	err := c.breaker.Execute(ctx, func() error {
		var lastErr error
		for attempt := 0; attempt < maxSendAttempts; attempt++ {
			r, err := c.sendOnce(ctx, host, port, req)
			if err == nil {
				resp = r
				return nil
			}
			if _, isHandshakeErr := err.(*tlsHandshakeError); isHandshakeErr {
				return err
			}
			lastErr = err
			c.log.Warn("send attempt failed", "attempt", attempt+1, "error", err)
		}
		return errors.NoResponseError(lastErr)
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) sendOnce(ctx context.Context, host string, port uint16, req *httpwire.Request) (*httpwire.Response, error) {
	conn, err := c.Connect(ctx, host, port)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	tlsConn := tls.Client(conn, &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, &tlsHandshakeError{err}
	}

	raw, err := httpwire.EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	if _, err := tlsConn.Write(raw); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}
	_ = tlsConn.CloseWrite()

	resp, err := httpwire.DecodeResponse(tlsConn)
	if err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}

// tlsHandshakeError marks a failure as non-retryable per §4.H's retry policy.
type tlsHandshakeError struct{ err error }

func (e *tlsHandshakeError) Error() string { return fmt.Sprintf("tls handshake: %v", e.err) }
func (e *tlsHandshakeError) Unwrap() error { return e.err }

// torStream adapts a Circuit's RELAY stream primitives (OpenStream already
// called by the caller) to net.Conn, so the TLS layer above can treat it
// like any other transport. Writes are chunked to the relay cell payload
// limit; reads buffer whatever the last relay cell delivered.
type torStream struct {
	circuit  *circuit.Circuit
	streamID uint16

	readBuf []byte
	closed  bool
}

const maxRelayDataLen = cell.PayloadLen - cell.RelayCellHeaderLen

func (s *torStream) Read(p []byte) (int, error) {
	for len(s.readBuf) == 0 {
		ctx, cancel := context.WithTimeout(context.Background(), streamOpenTimeout)
		data, err := s.circuit.ReadFromStream(ctx, s.streamID)
		cancel()
		if err != nil {
			return 0, err
		}
		s.readBuf = data
	}
	n := copy(p, s.readBuf)
	s.readBuf = s.readBuf[n:]
	return n, nil
}

func (s *torStream) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxRelayDataLen {
			chunk = chunk[:maxRelayDataLen]
		}
		if err := s.circuit.WriteToStream(s.streamID, chunk); err != nil {
			return total, err
		}
		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}

func (s *torStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.circuit.EndStream(s.streamID, 0)
}

func (s *torStream) LocalAddr() net.Addr  { return torAddr{} }
func (s *torStream) RemoteAddr() net.Addr { return torAddr{} }

// Deadlines are not supported: the embedded circuit layer's own
// context-based timeouts (stream open, circuit build) are the suspension
// points that matter here, per §5's concurrency model.
func (s *torStream) SetDeadline(t time.Time) error      { return nil }
func (s *torStream) SetReadDeadline(t time.Time) error  { return nil }
func (s *torStream) SetWriteDeadline(t time.Time) error { return nil }

type torAddr struct{}

func (torAddr) Network() string { return "tor" }
func (torAddr) String() string  { return "tor-stream" }
