package feed

import (
	"context"

	"go.uber.org/zap"

	"github.com/ais-virtualnet/backend/internal/aisdecode"
	"github.com/ais-virtualnet/backend/internal/metrics"
	"github.com/ais-virtualnet/backend/internal/models"
)

// Broadcaster accepts decoded reports; *relay.Relay implements it.
type Broadcaster interface {
	Broadcast(report *models.VesselReport)
}

// Feed decodes the sentences of a Source and broadcasts the reports.
type Feed struct {
	source  Source
	target  Broadcaster
	metrics *metrics.Metrics
	log     *zap.Logger
}

// New creates a Feed.
func New(source Source, target Broadcaster, m *metrics.Metrics, log *zap.Logger) *Feed {
	return &Feed{
		source:  source,
		target:  target,
		metrics: m,
		log:     log.Named("feed"),
	}
}

// Run blocks until the source finishes or ctx is done. Sentences that fail
// to decode are counted and skipped.
func (f *Feed) Run(ctx context.Context) error {
	stream := aisdecode.NewStream()
	f.log.Info("Starting feed", zap.String("source", f.source.Name()))
	return f.source.Run(ctx, func(line string) {
		report, err := stream.Push(line)
		if err != nil {
			f.metrics.DecodeError("feed")
			f.log.Debug("Skipping sentence", zap.String("line", line), zap.Error(err))
			return
		}
		if report != nil {
			f.target.Broadcast(report)
		}
	})
}
