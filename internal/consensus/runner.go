package consensus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/hf-timestd/internal/monitoring"
	"github.com/banshee-data/hf-timestd/internal/timeutil"
)

// HistorySink keeps past results.
type HistorySink interface {
	AppendConsensus(ctx context.Context, res Result) error
}

// Runner runs the combiner on a fixed interval and publishes each result.
type Runner struct {
	Combiner  *Combiner
	Publisher *Publisher
	History   HistorySink
	Metrics   *monitoring.Metrics
	Clock     timeutil.Clock
	Interval  time.Duration
	Log       *logrus.Entry

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewRunner returns a runner with a one-minute interval.
func NewRunner(c *Combiner, p *Publisher) *Runner {
	return &Runner{
		Combiner:  c,
		Publisher: p,
		Clock:     timeutil.RealClock{},
		Interval:  time.Minute,
		Log:       monitoring.Component("consensus"),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start runs cycles in a goroutine until Stop or ctx is cancelled.
func (r *Runner) Start(ctx context.Context) {
	r.started.Store(true)
	go func() {
		defer close(r.done)
		r.Run(ctx)
	}()
}

// Run runs cycles until Stop or ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	ticker := r.Clock.NewTicker(r.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C():
			r.RunOnce(ctx)
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop ends Run and waits for a goroutine started by Start.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	if r.started.Load() {
		<-r.done
	}
}

// RunOnce computes and publishes one result. Failures to persist are
// logged; the result is still returned and published in memory.
func (r *Runner) RunOnce(ctx context.Context) Result {
	res := r.Combiner.Cycle()

	if err := r.Publisher.Publish(res); err != nil {
		r.Log.WithError(err).Error("publish consensus snapshot")
	}
	if r.History != nil {
		if err := r.History.AppendConsensus(ctx, res); err != nil {
			r.Log.WithError(err).Warn("record consensus history")
		}
	}

	states := make([]string, len(States))
	for i, s := range States {
		states[i] = string(s)
	}
	r.Metrics.Consensus(res.OffsetMs, res.UncertaintyMs, res.StationAgreementMs,
		string(res.State), states, res.IncludedChannels, res.ComputationMs/1000)

	r.Log.WithFields(logrus.Fields{
		"state":     res.State,
		"offset_ms": res.OffsetMs,
		"uncert_ms": res.UncertaintyMs,
		"agreement": res.StationAgreementMs,
		"included":  res.IncludedChannels,
		"total":     res.TotalChannels,
		"outliers":  len(res.Outliers),
	}).Info("consensus cycle")
	return res
}
