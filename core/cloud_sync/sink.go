package cloudsync

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"go.uber.org/zap"
)

// SinkConfig controls the receiving end of the marker stream.
type SinkConfig struct {
	Addr    string       // e.g. ":8444"
	URLPath string       // defaults to "/markers"
	TLS     *tls.Config  // required for HTTP/3
	QUIC    *quic.Config // optional

	QueueCapacity  int // capacity of the marker channel
	MaxMarkerBytes int // maximum single marker frame size
}

// Sink terminates uplink streams and exposes decoded markers on a channel.
// It backs the dev cloud endpoint and the uplink tests.
type Sink struct {
	cfg     SinkConfig
	logger  *zap.Logger
	server  *http3.Server
	ln      net.PacketConn
	markers chan Marker
	wg      sync.WaitGroup
	started int32
	closed  int32
}

// NewSink builds a sink. Start must be called before markers flow.
func NewSink(cfg SinkConfig, logger *zap.Logger) (*Sink, error) {
	if cfg.Addr == "" {
		return nil, errors.New("cloudsync: SinkConfig.Addr is required")
	}
	if cfg.TLS == nil {
		return nil, errors.New("cloudsync: SinkConfig.TLS is required for HTTP/3")
	}
	if cfg.URLPath == "" {
		cfg.URLPath = "/markers"
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1024
	}
	if cfg.MaxMarkerBytes <= 0 {
		cfg.MaxMarkerBytes = 64 * 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Sink{
		cfg:     cfg,
		logger:  logger.Named("sink"),
		markers: make(chan Marker, cfg.QueueCapacity),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.URLPath, s.markerHandler)

	s.server = &http3.Server{
		Addr:       cfg.Addr,
		TLSConfig:  cfg.TLS,
		Handler:    mux,
		QUICConfig: cfg.QUIC,
	}
	return s, nil
}

// Start begins listening on UDP and serving HTTP/3.
func (s *Sink) Start() error {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return errors.New("cloudsync: sink already started")
	}

	conn, err := net.ListenPacket("udp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen UDP %s: %w", s.cfg.Addr, err)
	}
	s.ln = conn
	s.logger.Info("marker sink listening",
		zap.String("addr", conn.LocalAddr().String()),
		zap.String("path", s.cfg.URLPath))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(conn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("marker sink serve error", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound UDP address once Start has succeeded.
func (s *Sink) Addr() string {
	if s.ln == nil {
		return s.cfg.Addr
	}
	return s.ln.LocalAddr().String()
}

// Markers returns the consumer channel. It is closed by Close after all
// stream handlers have exited.
func (s *Sink) Markers() <-chan Marker {
	return s.markers
}

// Close stops the server and closes the marker channel.
func (s *Sink) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}

	_ = s.server.Close()
	if s.ln != nil {
		_ = s.ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		s.logger.Warn("marker sink close timed out", zap.Error(ctx.Err()))
	case <-done:
	}

	close(s.markers)
	s.logger.Info("marker sink closed")
	return nil
}

// markerHandler processes one uplink stream of length-prefixed markers.
// Handlers join the sink wait group so Close only closes the marker channel
// once every stream has drained.
func (s *Sink) markerHandler(w http.ResponseWriter, req *http.Request) {
	s.wg.Add(1)
	defer s.wg.Done()

	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if req.Body == nil {
		http.Error(w, "empty body", http.StatusBadRequest)
		return
	}

	remote := req.RemoteAddr
	s.logger.Debug("uplink stream opened", zap.String("remote", remote))
	defer func(start time.Time) {
		s.logger.Debug("uplink stream finished",
			zap.String("remote", remote),
			zap.Duration("after", time.Since(start)))
	}(time.Now())

	// Acknowledge early so the uplink keeps streaming on this request.
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(nil)

	ctx := req.Context()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("uplink disconnected", zap.String("remote", remote))
			return
		default:
		}

		raw, err := readFrame(req.Body, s.cfg.MaxMarkerBytes)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
			case errors.Is(err, io.ErrUnexpectedEOF):
				s.logger.Warn("stream truncated mid frame", zap.String("remote", remote))
			default:
				s.logger.Error("reading marker stream failed",
					zap.String("remote", remote), zap.Error(err))
			}
			return
		}

		m, err := decodeMarker(raw)
		if err != nil {
			s.logger.Warn("skipping malformed marker",
				zap.String("remote", remote), zap.Error(err))
			continue
		}

		select {
		case s.markers <- m:
		case <-ctx.Done():
			return
		}
	}
}
