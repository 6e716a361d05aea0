package feed

import (
	"bufio"
	"context"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/ais-virtualnet/backend/internal/metrics"
	"github.com/ais-virtualnet/backend/internal/models"
)

// DefaultSinkQueue is the number of reports TCPSink buffers while the
// upstream connection is slow or down.
const DefaultSinkQueue = 4096

// TCPSink forwards client reports to an upstream TCP receiver. Send never
// blocks; reports are dropped when the buffer is full.
type TCPSink struct {
	address string
	queue   chan string
	metrics *metrics.Metrics
	log     *zap.Logger
}

// NewTCPSink creates a TCPSink. Call Run to start delivering.
func NewTCPSink(address string, queueSize int, m *metrics.Metrics, log *zap.Logger) *TCPSink {
	if queueSize <= 0 {
		queueSize = DefaultSinkQueue
	}
	return &TCPSink{
		address: address,
		queue:   make(chan string, queueSize),
		metrics: m,
		log:     log.Named("upstream").With(zap.String("address", address)),
	}
}

// Send queues the raw sentences of report.
func (s *TCPSink) Send(report *models.VesselReport) {
	select {
	case s.queue <- report.Raw:
	default:
		s.metrics.SinkDrop()
		s.log.Debug("Upstream queue full, dropping report", zap.Uint32("mmsi", report.MMSI))
	}
}

// Run delivers queued reports until ctx is done, reconnecting as needed.
func (s *TCPSink) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0

	dialer := net.Dialer{Timeout: 10 * time.Second}
	var pending string
	for {
		conn, err := dialer.DialContext(ctx, "tcp", s.address)
		if err == nil {
			s.log.Info("Connected upstream")
			b.Reset()
			pending, err = s.deliver(ctx, conn, pending)
		}
		if ctx.Err() != nil {
			return nil
		}
		wait := b.NextBackOff()
		s.log.Warn("Upstream connection lost", zap.Error(err), zap.Duration("retry_in", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// deliver writes until a write fails. The report being written when that
// happens is returned so it is retried on the next connection.
func (s *TCPSink) deliver(ctx context.Context, conn net.Conn, pending string) (string, error) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	w := bufio.NewWriter(conn)
	write := func(raw string) error {
		for _, line := range strings.Split(raw, "\n") {
			if _, err := w.WriteString(line + "\r\n"); err != nil {
				return err
			}
		}
		return w.Flush()
	}

	if pending != "" {
		if err := write(pending); err != nil {
			return pending, err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case raw := <-s.queue:
			if err := write(raw); err != nil {
				return raw, err
			}
		}
	}
}
