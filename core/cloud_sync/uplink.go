package cloudsync

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sushant-115/pagesync/core/pages"
)

// Metrics hooks let callers observe uplink behavior without coupling this
// package to a metrics library. Any hook may be nil.
type Metrics struct {
	OnMarkerEnqueued  func(bytes int)
	OnMarkerDropped   func(reason string)
	OnBatchDispatched func(connID int, bytes int, msgs int)
	OnBatchRetried    func(connID int, attempt int)
	OnBatchDropped    func(connID int, reason string)
	OnConnEstablished func(connID int)
	OnConnFailed      func(connID int, err error)
}

// Config controls Uplink behavior.
type Config struct {
	// Remote endpoint.
	Addr    string      // host:port
	URLPath string      // e.g. "/markers"
	TLS     *tls.Config // SNI, RootCAs, etc.

	// Concurrency and buffering.
	NumConnections   int           // concurrent streaming POSTs
	QueueCapacity    int           // ingress queue capacity (markers)
	MaxBatchBytes    int           // max bytes per batch
	MaxBatchMessages int           // max markers per batch
	FlushInterval    time.Duration // max wait before flushing a partial batch

	// Retry policy for establishing connections and writing batches.
	MaxWriteRetries   int           // total attempts = 1 + MaxWriteRetries
	InitialBackoff    time.Duration // base backoff
	MaxBackoff        time.Duration // backoff cap
	BackoffJitterFrac float64       // 0.2 => plus or minus 20% jitter

	// QUIC low-level knobs (optional).
	QUIC *quic.Config

	Logger  *zap.Logger
	Metrics *Metrics
}

func (c *Config) setDefaults() {
	if c.URLPath == "" {
		c.URLPath = "/markers"
	}
	if c.NumConnections <= 0 {
		c.NumConnections = 2
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	if c.MaxBatchBytes <= 0 {
		c.MaxBatchBytes = 64 * 1024
	}
	if c.MaxBatchMessages <= 0 {
		c.MaxBatchMessages = 128
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 50 * time.Millisecond
	}
	if c.MaxWriteRetries < 0 {
		c.MaxWriteRetries = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.BackoffJitterFrac <= 0 {
		c.BackoffJitterFrac = 0.2
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Uplink streams sync markers to the cloud endpoint over concurrent
// long-lived HTTP/3 requests. StartSyncing never blocks; markers are
// batched, framed and written in the background, with reconnects and
// bounded retry on failure.
type Uplink struct {
	cfg        Config
	url        string
	logger     *zap.Logger
	quit       chan struct{}
	closed     int32
	wg         sync.WaitGroup
	client     *http.Client
	rt         *http3.Transport
	markersCh  chan []byte   // ingress of encoded markers (owned by batchingLoop)
	connInputs []chan []byte // one batch channel per connectionManager
	randSrc    *rand.Rand
	dropWarn   *rate.Limiter
}

// NewUplink creates an uplink and starts its background loops. The first
// connection is established lazily when the first batch is dispatched.
func NewUplink(cfg Config) (*Uplink, error) {
	cfg.setDefaults()
	if cfg.Addr == "" {
		return nil, errors.New("cloudsync: Config.Addr is required")
	}
	rt := &http3.Transport{TLSClientConfig: cfg.TLS, QUICConfig: cfg.QUIC}

	u := &Uplink{
		cfg:       cfg,
		url:       fmt.Sprintf("https://%s%s", cfg.Addr, cfg.URLPath),
		logger:    cfg.Logger.Named("uplink"),
		quit:      make(chan struct{}),
		client:    &http.Client{Transport: rt},
		rt:        rt,
		markersCh: make(chan []byte, cfg.QueueCapacity),
		randSrc:   rand.New(rand.NewSource(time.Now().UnixNano())),
		dropWarn:  rate.NewLimiter(rate.Every(5*time.Second), 1),
	}

	u.connInputs = make([]chan []byte, cfg.NumConnections)
	for i := 0; i < cfg.NumConnections; i++ {
		u.connInputs[i] = make(chan []byte, 1)
	}

	u.wg.Add(1)
	go u.batchingLoop()

	for i := 0; i < cfg.NumConnections; i++ {
		u.wg.Add(1)
		go u.connectionManager(i, u.connInputs[i])
	}
	return u, nil
}

// StartSyncing enqueues a sync marker for the page. Markers are advisory, so
// when the uplink is closed or its queue is full the marker is dropped
// rather than blocking the caller.
func (u *Uplink) StartSyncing(key pages.Key) {
	if atomic.LoadInt32(&u.closed) == 1 {
		u.noteMarkerDropped(key, "uplink closed")
		return
	}
	msg, err := encodeMarker(key)
	if err != nil {
		u.logger.Error("encoding sync marker failed", zap.Error(err))
		return
	}
	select {
	case u.markersCh <- msg:
		if u.cfg.Metrics != nil && u.cfg.Metrics.OnMarkerEnqueued != nil {
			u.cfg.Metrics.OnMarkerEnqueued(len(msg))
		}
	default:
		u.noteMarkerDropped(key, "queue full")
	}
}

// Close drains what it can and stops all background goroutines.
func (u *Uplink) Close() error {
	if !atomic.CompareAndSwapInt32(&u.closed, 0, 1) {
		return errors.New("cloudsync: uplink already closed")
	}
	close(u.quit)
	u.wg.Wait()
	return u.rt.Close()
}

func (u *Uplink) noteMarkerDropped(key pages.Key, reason string) {
	if u.cfg.Metrics != nil && u.cfg.Metrics.OnMarkerDropped != nil {
		u.cfg.Metrics.OnMarkerDropped(reason)
	}
	if u.dropWarn.Allow() {
		u.logger.Warn("dropping sync marker",
			zap.String("page", key.String()),
			zap.String("reason", reason))
	}
}

func (u *Uplink) batchingLoop() {
	defer u.wg.Done()
	defer func() { // close per-conn inputs so managers exit
		for _, ch := range u.connInputs {
			close(ch)
		}
	}()

	var batch bytes.Buffer
	msgs := 0
	flushTimer := time.NewTimer(u.cfg.FlushInterval)
	defer flushTimer.Stop()

	dispatch := func() {
		if msgs == 0 {
			return
		}
		payload := make([]byte, batch.Len())
		copy(payload, batch.Bytes())
		// Hand off to any idle connection first, starting at a random
		// index for fairness.
		start := u.randSrc.Intn(len(u.connInputs))
		for i := 0; i < len(u.connInputs); i++ {
			idx := (start + i) % len(u.connInputs)
			select {
			case u.connInputs[idx] <- payload:
				if u.cfg.Metrics != nil && u.cfg.Metrics.OnBatchDispatched != nil {
					u.cfg.Metrics.OnBatchDispatched(idx, len(payload), msgs)
				}
				batch.Reset()
				msgs = 0
				return
			default:
			}
		}
		// All busy; block on one of them or quit.
		select {
		case u.connInputs[start] <- payload:
			if u.cfg.Metrics != nil && u.cfg.Metrics.OnBatchDispatched != nil {
				u.cfg.Metrics.OnBatchDispatched(start, len(payload), msgs)
			}
			batch.Reset()
			msgs = 0
		case <-u.quit:
		}
	}

	resetTimer := func() {
		if !flushTimer.Stop() {
			select {
			case <-flushTimer.C:
			default:
			}
		}
		flushTimer.Reset(u.cfg.FlushInterval)
	}

	for {
		select {
		case <-u.quit:
			for {
				select {
				case m := <-u.markersCh:
					appendFrame(&batch, m)
					msgs++
				default:
					dispatch()
					return
				}
			}

		case m := <-u.markersCh:
			appendFrame(&batch, m)
			msgs++
			if batch.Len() >= u.cfg.MaxBatchBytes || msgs >= u.cfg.MaxBatchMessages {
				dispatch()
				resetTimer()
			}

		case <-flushTimer.C:
			dispatch()
			resetTimer()
		}
	}
}

type connectionState struct {
	writer    io.WriteCloser
	cancelReq context.CancelFunc
}

func (u *Uplink) connectionManager(id int, in <-chan []byte) {
	defer u.wg.Done()
	var st *connectionState
	defer func() {
		if st != nil {
			_ = st.writer.Close()
			st.cancelReq()
		}
	}()

	for payload := range in {
		if st == nil {
			var err error
			st, err = u.establishConnection(id)
			if err != nil {
				u.noteConnFailed(id, err)
				if !u.retrySend(id, payload) {
					u.dropBatch(id, payload, "establish failed")
				}
				continue
			}
		}
		if _, err := st.writer.Write(payload); err != nil {
			u.logger.Warn("batch write failed, reconnecting",
				zap.Int("conn", id), zap.Error(err))
			_ = st.writer.Close()
			st.cancelReq()
			st = nil
			if !u.retrySend(id, payload) {
				u.dropBatch(id, payload, "write failed")
			}
		}
	}
}

// retrySend re-establishes a connection and writes the payload under
// exponential backoff, until it succeeds or the retry budget runs out.
func (u *Uplink) retrySend(id int, payload []byte) bool {
	var st *connectionState
	backoff := u.cfg.InitialBackoff
	attempts := 0
	for {
		if attempts > u.cfg.MaxWriteRetries {
			return false
		}
		attempts++

		if st == nil {
			var err error
			st, err = u.establishConnection(id)
			if err != nil {
				u.noteConnFailed(id, err)
				if !u.sleepBackoff(backoff) {
					return false
				}
				backoff = nextBackoff(backoff, u.cfg.MaxBackoff, u.cfg.BackoffJitterFrac, u.randSrc)
				continue
			}
		}

		if _, err := st.writer.Write(payload); err == nil {
			return true
		}
		_ = st.writer.Close()
		st.cancelReq()
		st = nil
		if u.cfg.Metrics != nil && u.cfg.Metrics.OnBatchRetried != nil {
			u.cfg.Metrics.OnBatchRetried(id, attempts)
		}
		if !u.sleepBackoff(backoff) {
			return false
		}
		backoff = nextBackoff(backoff, u.cfg.MaxBackoff, u.cfg.BackoffJitterFrac, u.randSrc)
	}
}

func (u *Uplink) sleepBackoff(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-u.quit:
		return false
	}
}

func nextBackoff(cur, max time.Duration, jitterFrac float64, r *rand.Rand) time.Duration {
	next := time.Duration(float64(cur) * 2)
	if next > max {
		next = max
	}
	if jitterFrac > 0 && r != nil {
		j := 1 + (r.Float64()*2-1)*jitterFrac // 1 plus or minus frac
		next = time.Duration(math.Max(0, float64(next)*j))
	}
	return next
}

func (u *Uplink) dropBatch(connID int, payload []byte, reason string) {
	if u.cfg.Metrics != nil && u.cfg.Metrics.OnBatchDropped != nil {
		u.cfg.Metrics.OnBatchDropped(connID, reason)
	}
	u.logger.Warn("dropping batch",
		zap.Int("conn", connID),
		zap.Int("bytes", len(payload)),
		zap.String("reason", reason))
}

// establishConnection opens a streaming HTTP/3 POST using io.Pipe for body.
func (u *Uplink) establishConnection(id int) (*connectionState, error) {
	pr, pw := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.url, pr)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("new request: %w", err)
	}

	// Fire the request in a goroutine and watch its response lifecycle.
	go func() {
		resp, err := u.client.Do(req)
		if err != nil {
			_ = pw.CloseWithError(fmt.Errorf("request failed: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			_ = pw.CloseWithError(fmt.Errorf("endpoint returned %s", resp.Status))
			return
		}
		// Drain so the endpoint can close cleanly when we finish.
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = pw.Close()
	}()

	if u.cfg.Metrics != nil && u.cfg.Metrics.OnConnEstablished != nil {
		u.cfg.Metrics.OnConnEstablished(id)
	}
	u.logger.Info("established marker stream",
		zap.Int("conn", id), zap.String("url", u.url))
	return &connectionState{writer: pw, cancelReq: cancel}, nil
}

func (u *Uplink) noteConnFailed(id int, err error) {
	if u.cfg.Metrics != nil && u.cfg.Metrics.OnConnFailed != nil {
		u.cfg.Metrics.OnConnFailed(id, err)
	}
	u.logger.Warn("establishing marker stream failed",
		zap.Int("conn", id), zap.Error(err))
}
