package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
)

// ErrPublisherClosed is returned by Publish after Close.
var ErrPublisherClosed = errors.New("events: publisher closed")

// natsConn is the subset of *nats.Conn the publisher uses.
type natsConn interface {
	PublishMsg(m *nats.Msg) error
	FlushWithContext(ctx context.Context) error
	Drain() error
}

// NATSConfig configures the NATS publisher.
type NATSConfig struct {
	// NATS server URL(s), comma-separated
	URL string
	// Async buffer size (default: 10000)
	AsyncBufferSize int
	// Per-message timeout for async publishes
	PublishTimeout time.Duration
	ConnectTimeout time.Duration
	MaxReconnects  int
	ReconnectWait  time.Duration
	// Auth
	CredsFile string
	Token     string
	User      string
	Password  string
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:             nats.DefaultURL,
		AsyncBufferSize: 10000,
		PublishTimeout:  5 * time.Second,
		ConnectTimeout:  5 * time.Second,
		MaxReconnects:   -1, // Infinite
		ReconnectWait:   2 * time.Second,
	}
}

// asyncItem is either an event or a flush barrier.
type asyncItem struct {
	event   Event
	barrier chan struct{}
}

// NATSPublisher publishes JSON-encoded events to core NATS subjects.
// The event ID travels in the Nats-Msg-Id header so JetStream streams
// bound to the subjects can deduplicate.
type NATSPublisher struct {
	conn    natsConn
	logger  *slog.Logger
	timeout time.Duration

	asyncCh chan asyncItem
	asyncWg sync.WaitGroup

	closedMu sync.RWMutex
	closed   bool

	publishCount atomic.Int64
	errorCount   atomic.Int64
	asyncDropped atomic.Int64
}

// NewNATSPublisher connects to NATS and starts the async worker.
func NewNATSPublisher(cfg NATSConfig, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := []nats.Option{
		nats.Name("presenced-events"),
		nats.Timeout(cfg.ConnectTimeout),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("[NATS] Disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("[NATS] Reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error("[NATS] Error", "error", err)
		}),
	}

	switch {
	case cfg.CredsFile != "":
		opts = append(opts, nats.UserCredentials(cfg.CredsFile))
	case cfg.Token != "":
		opts = append(opts, nats.Token(cfg.Token))
	case cfg.User != "":
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	p := newNATSPublisher(conn, cfg, logger)
	logger.Info("[NATS] Publisher initialized", "url", conn.ConnectedUrl())
	return p, nil
}

func newNATSPublisher(conn natsConn, cfg NATSConfig, logger *slog.Logger) *NATSPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	bufSize := cfg.AsyncBufferSize
	if bufSize <= 0 {
		bufSize = 10000
	}
	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	p := &NATSPublisher{
		conn:    conn,
		logger:  logger,
		timeout: timeout,
		asyncCh: make(chan asyncItem, bufSize),
	}
	p.asyncWg.Add(1)
	go p.asyncPublisher()
	return p
}

func (p *NATSPublisher) asyncPublisher() {
	defer p.asyncWg.Done()
	for item := range p.asyncCh {
		if item.barrier != nil {
			close(item.barrier)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		if err := p.publish(ctx, item.event); err != nil {
			p.logger.Warn("[NATS] Async publish failed",
				"error", err,
				"type", item.event.Type(),
				"event_id", item.event.ID(),
			)
		}
		cancel()
	}
}

func (p *NATSPublisher) Publish(ctx context.Context, event Event) error {
	p.closedMu.RLock()
	closed := p.closed
	p.closedMu.RUnlock()
	if closed {
		return ErrPublisherClosed
	}
	return p.publish(ctx, event)
}

func (p *NATSPublisher) publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := MarshalEvent(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := nats.NewMsg(event.Subject())
	msg.Data = data
	if id := event.ID(); id != "" {
		msg.Header.Set(nats.MsgIdHdr, id)
	}

	if err := p.conn.PublishMsg(msg); err != nil {
		p.errorCount.Add(1)
		return fmt.Errorf("failed to publish to %s: %w", msg.Subject, err)
	}
	p.publishCount.Add(1)

	p.logger.Debug("[NATS] Event published",
		"subject", msg.Subject,
		"type", event.Type(),
	)
	return nil
}

func (p *NATSPublisher) PublishAsync(event Event) {
	p.closedMu.RLock()
	defer p.closedMu.RUnlock()
	if p.closed {
		return
	}

	select {
	case p.asyncCh <- asyncItem{event: event}:
	default:
		p.asyncDropped.Add(1)
		p.logger.Warn("[NATS] Async buffer full, event dropped",
			"type", event.Type(),
			"event_id", event.ID(),
		)
	}
}

// Flush waits until every event queued before the call has been handed to
// the connection, then flushes the connection.
func (p *NATSPublisher) Flush(ctx context.Context) error {
	p.closedMu.RLock()
	if p.closed {
		p.closedMu.RUnlock()
		return nil
	}
	barrier := make(chan struct{})
	select {
	case p.asyncCh <- asyncItem{barrier: barrier}:
		p.closedMu.RUnlock()
	case <-ctx.Done():
		p.closedMu.RUnlock()
		return ctx.Err()
	}

	select {
	case <-barrier:
	case <-ctx.Done():
		return ctx.Err()
	}
	return p.conn.FlushWithContext(ctx)
}

// Close drains the async queue and the connection.
func (p *NATSPublisher) Close() error {
	p.closedMu.Lock()
	if p.closed {
		p.closedMu.Unlock()
		return nil
	}
	p.closed = true
	close(p.asyncCh)
	p.closedMu.Unlock()

	p.asyncWg.Wait()
	if err := p.conn.Drain(); err != nil {
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	return nil
}

// Stats returns publish counters.
func (p *NATSPublisher) Stats() (published, failed, asyncDropped int64) {
	return p.publishCount.Load(), p.errorCount.Load(), p.asyncDropped.Load()
}
