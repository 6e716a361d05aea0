// Package feed connects the relay to the outside AIS network: sources that
// deliver sentences into the relay and a sink that forwards client reports
// upstream.
package feed

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/ais-virtualnet/backend/internal/metrics"
)

// Source produces raw sentences, one per emit call, until ctx is done.
// emit is always called from the goroutine running Run.
type Source interface {
	Name() string
	Run(ctx context.Context, emit func(line string)) error
}

// maxLineLength bounds a single sentence; NMEA caps them at 82 characters
// but tag blocks and proprietary sentences run longer.
const maxLineLength = 64 * 1024

func scanLines(ctx context.Context, r io.Reader, emit func(string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), maxLineLength)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if line := scanner.Text(); strings.TrimSpace(line) != "" {
			emit(line)
		}
	}
	return scanner.Err()
}

// TCPSource reads sentences from a TCP server and reconnects with
// exponential backoff when the connection drops.
type TCPSource struct {
	Address     string
	DialTimeout time.Duration
	MinBackoff  time.Duration
	MaxBackoff  time.Duration

	metrics *metrics.Metrics
	log     *zap.Logger
}

// NewTCPSource creates a TCPSource for address.
func NewTCPSource(address string, m *metrics.Metrics, log *zap.Logger) *TCPSource {
	return &TCPSource{
		Address:     address,
		DialTimeout: 10 * time.Second,
		MinBackoff:  time.Second,
		MaxBackoff:  time.Minute,
		metrics:     m,
		log:         log.Named("feed").With(zap.String("source", address)),
	}
}

func (s *TCPSource) Name() string { return "tcp:" + s.Address }

// Run returns only when ctx is done.
func (s *TCPSource) Run(ctx context.Context, emit func(string)) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.MinBackoff
	b.MaxInterval = s.MaxBackoff
	b.MaxElapsedTime = 0

	dialer := net.Dialer{Timeout: s.DialTimeout}
	for {
		conn, err := dialer.DialContext(ctx, "tcp", s.Address)
		if err == nil {
			s.log.Info("Connected to feed")
			b.Reset()
			err = s.read(ctx, conn, emit)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := b.NextBackOff()
		s.log.Warn("Feed connection lost", zap.Error(err), zap.Duration("retry_in", wait))
		s.metrics.FeedReconnect()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (s *TCPSource) read(ctx context.Context, conn net.Conn, emit func(string)) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	if err := scanLines(ctx, conn, emit); err != nil {
		return err
	}
	return io.EOF
}

// ErrEmptyFeed is returned by a repeating FileSource whose file holds no
// sentences.
var ErrEmptyFeed = errors.New("feed file contains no sentences")

// FileSource replays a file of sentences, optionally in a loop and with a
// pause between lines.
type FileSource struct {
	Path   string
	Repeat bool
	Delay  time.Duration

	log *zap.Logger
}

// NewFileSource creates a FileSource.
func NewFileSource(path string, repeat bool, delay time.Duration, log *zap.Logger) *FileSource {
	return &FileSource{
		Path:   path,
		Repeat: repeat,
		Delay:  delay,
		log:    log.Named("feed").With(zap.String("source", path)),
	}
}

func (s *FileSource) Name() string { return "file:" + s.Path }

// Run returns nil after one pass unless Repeat is set.
func (s *FileSource) Run(ctx context.Context, emit func(string)) error {
	for {
		lines, err := s.replay(ctx, emit)
		if err != nil {
			return err
		}
		if !s.Repeat {
			s.log.Info("Replay finished", zap.Int("lines", lines))
			return nil
		}
		if lines == 0 {
			return fmt.Errorf("%w: %s", ErrEmptyFeed, s.Path)
		}
		s.log.Debug("Restarting replay")
	}
}

func (s *FileSource) replay(ctx context.Context, emit func(string)) (int, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return 0, fmt.Errorf("failed to open feed file: %w", err)
	}
	defer f.Close()

	lines := 0
	counted := func(line string) {
		lines++
		emit(line)
	}
	paced := counted
	if s.Delay > 0 {
		timer := time.NewTimer(s.Delay)
		defer timer.Stop()
		paced = func(line string) {
			counted(line)
			timer.Reset(s.Delay)
			select {
			case <-ctx.Done():
			case <-timer.C:
			}
		}
	}

	err = scanLines(ctx, f, paced)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return lines, err
	}
	if err != nil {
		return lines, fmt.Errorf("failed to read feed file: %w", err)
	}
	return lines, ctx.Err()
}
