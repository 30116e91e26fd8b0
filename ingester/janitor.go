package ingester

import (
	"context"
	"log/slog"
	"time"

	"github.com/c360studio/foreman/queue"
)

const (
	// sweepInterval is the cadence of the pending sweep.
	sweepInterval = 30 * time.Second
	// staleAfter is the pending idle time after which a message is
	// presumed orphaned by a dead consumer and claimed.
	staleAfter = 60 * time.Second
	// trimMaxLen bounds the results and dead-letter streams.
	trimMaxLen = 1000
)

// Janitor sweeps the ingesters group's pending list, claiming messages
// whose owner appears dead onto its own consumer and reprocessing them.
// It also trims the shared streams. It never touches in-progress work:
// claiming redelivers result messages, not assignments.
type Janitor struct {
	streams  *queue.Streams
	ingester *Ingester
	consumer string
	logger   *slog.Logger
}

// NewJanitor creates a janitor that reprocesses claimed messages through
// the given ingester.
func NewJanitor(streams *queue.Streams, in *Ingester, consumer string, logger *slog.Logger) *Janitor {
	return &Janitor{
		streams:  streams,
		ingester: in,
		consumer: consumer,
		logger:   logger.With("component", "janitor", "consumer", consumer),
	}
}

// Run sweeps until the context is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	j.logger.Info("janitor started", "sweep_interval", sweepInterval, "stale_after", staleAfter)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			j.sweep(ctx)
			j.trim(ctx)
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) {
	pending, err := j.streams.Pending(ctx, queue.StreamResults, queue.GroupIngesters)
	if err != nil {
		j.logger.Warn("pending sweep failed", "error", err)
		return
	}

	var stale []string
	for _, p := range pending {
		if p.Idle >= staleAfter && p.Consumer != j.consumer {
			stale = append(stale, p.ID)
		}
	}
	if len(stale) == 0 {
		return
	}

	claimed, err := j.streams.Claim(ctx, queue.StreamResults, queue.GroupIngesters, j.consumer, staleAfter, stale)
	if err != nil {
		j.logger.Warn("claim failed", "error", err)
		return
	}
	if len(claimed) == 0 {
		return
	}

	j.logger.Info("claimed stale results", "count", len(claimed))
	messagesClaimed.Add(float64(len(claimed)))
	for _, msg := range claimed {
		j.ingester.Process(ctx, msg)
	}
}

func (j *Janitor) trim(ctx context.Context) {
	for _, stream := range []string{queue.StreamResults, queue.StreamDeadLetter} {
		if err := j.streams.Trim(ctx, stream, trimMaxLen); err != nil {
			j.logger.Debug("trim failed", "stream", stream, "error", err)
		}
	}
}
