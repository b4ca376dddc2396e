// Package telemetry emits training progress to a DogStatsD agent. With no
// address configured every call is a no-op.
package telemetry

import (
	"fmt"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/rs/zerolog"
)

// Metric names.
const (
	StepTime        = "supcon.step.batch_time"
	DataTime        = "supcon.step.data_time"
	StepLoss        = "supcon.step.loss"
	EpochNumber     = "supcon.epoch.number"
	EpochTime       = "supcon.epoch.time"
	EpochLoss       = "supcon.epoch.loss"
	LearningRate    = "supcon.epoch.learning_rate"
	CheckpointCount = "supcon.checkpoint.count"
)

const sampleRate = 1.0

// Sink forwards training metrics to statsd. Errors are logged, never
// returned from the hot path.
type Sink struct {
	client statsd.ClientInterface
	tags   []string
	logger zerolog.Logger
}

// New dials addr (host:port). An empty addr yields a no-op sink.
func New(addr string, tags []string, logger zerolog.Logger) (*Sink, error) {
	if addr == "" {
		return NewWithClient(&statsd.NoOpClient{}, tags, logger), nil
	}
	client, err := statsd.New(addr, statsd.WithTags(tags))
	if err != nil {
		return nil, fmt.Errorf("telemetry: statsd %s: %w", addr, err)
	}
	logger.Info().Str("addr", addr).Strs("tags", tags).Msg("statsd telemetry enabled")
	return NewWithClient(client, nil, logger), nil
}

// NewWithClient wraps an existing client. tags are added to every metric.
func NewWithClient(client statsd.ClientInterface, tags []string, logger zerolog.Logger) *Sink {
	return &Sink{client: client, tags: tags, logger: logger}
}

// Step records the timings and loss of one training step.
func (s *Sink) Step(batchTime, dataTime time.Duration, loss float64) {
	s.check(s.client.Timing(StepTime, batchTime, s.tags, sampleRate))
	s.check(s.client.Timing(DataTime, dataTime, s.tags, sampleRate))
	s.check(s.client.Gauge(StepLoss, loss, s.tags, sampleRate))
}

// Epoch records the summary of one finished epoch. The epoch number is a
// gauge so tag cardinality stays fixed over a run.
func (s *Sink) Epoch(epoch int, elapsed time.Duration, loss, lr float64) {
	s.check(s.client.Gauge(EpochNumber, float64(epoch), s.tags, sampleRate))
	s.check(s.client.Timing(EpochTime, elapsed, s.tags, sampleRate))
	s.check(s.client.Gauge(EpochLoss, loss, s.tags, sampleRate))
	s.check(s.client.Gauge(LearningRate, lr, s.tags, sampleRate))
}

// Checkpoint counts a written checkpoint of the given kind ("epoch" or "last").
func (s *Sink) Checkpoint(kind string) {
	tags := append(append([]string(nil), s.tags...), "kind:"+kind)
	s.check(s.client.Incr(CheckpointCount, tags, sampleRate))
}

// Close flushes and closes the client.
func (s *Sink) Close() error {
	if err := s.client.Flush(); err != nil {
		s.logger.Warn().Err(err).Msg("statsd flush failed")
	}
	return s.client.Close()
}

func (s *Sink) check(err error) {
	if err != nil {
		s.logger.Warn().Err(err).Msg("statsd send failed")
	}
}
