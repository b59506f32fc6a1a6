// Package supervisor owns the stream lifecycle: connect, keepalive,
// reconnect with backoff, run limit enforcement, and the handoff from
// filtering and statistics to enrichment.
package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jonezian/yeti/internal/enrich"
	"github.com/jonezian/yeti/internal/filter"
	"github.com/jonezian/yeti/internal/jetstream"
	"github.com/jonezian/yeti/internal/logsink"
	"github.com/jonezian/yeti/internal/relay"
	"github.com/jonezian/yeti/internal/stats"
)

// Source abstracts the stream transport so the supervisor can be driven by
// fakes in tests.
type Source interface {
	Connect(ctx context.Context) error
	Next(timeout time.Duration) (*jetstream.Event, error)
	Ping() error
	Close() error
}

// State is the supervisor lifecycle state, exposed for diagnostics.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateStreaming
	StateSuspended
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateSuspended:
		return "suspended"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// RunMode selects the run limit policy.
type RunMode int

const (
	// ModeUnbounded streams until the stop signal.
	ModeUnbounded RunMode = iota
	// ModeDuration stops after the configured duration.
	ModeDuration
	// ModeDurationArchive archives and continues each time the duration
	// elapses instead of stopping.
	ModeDurationArchive
	// ModeCount stops once the configured number of matches is recorded.
	ModeCount
)

// ParseRunMode maps a config mode string to a RunMode.
func ParseRunMode(mode string) (RunMode, error) {
	switch mode {
	case "", "unbounded":
		return ModeUnbounded, nil
	case "duration":
		return ModeDuration, nil
	case "duration_archive":
		return ModeDurationArchive, nil
	case "count":
		return ModeCount, nil
	default:
		return ModeUnbounded, errors.New("supervisor: unknown run mode " + mode)
	}
}

// RunLimit is a validated run limit. Duration and Count are only read for
// their respective modes.
type RunLimit struct {
	Mode     RunMode
	Duration time.Duration
	Count    uint64
}

// Options tunes the supervisor loop.
type Options struct {
	Heartbeat   time.Duration
	ReadTimeout time.Duration
	Backoff     Backoff
	// QueueCap bounds the matches held for enrichment; when full, the
	// oldest pending match is dropped and counted.
	QueueCap int
	// DrainTimeout bounds in-flight enrichment at shutdown.
	DrainTimeout time.Duration
	// StatsInterval enables the periodic live snapshot log when positive.
	StatsInterval time.Duration
}

// SessionReport is the final outcome of a run.
type SessionReport struct {
	Snapshot   stats.Snapshot
	Lines      []string
	Reconnects int
}

// Supervisor drives events from the source through filtering, statistics and
// the log sink on a single goroutine, handing matches to the enrichment
// orchestrator in batches.
type Supervisor struct {
	source Source
	engine *filter.Engine
	agg    *stats.Aggregator
	sink   *logsink.Sink
	orch   *enrich.Orchestrator
	relay  *relay.Relay // optional
	opts   Options

	state      atomic.Int32
	reconnects int
	pending    []*enrich.MatchRecord
}

// New creates a supervisor. relay may be nil.
func New(source Source, engine *filter.Engine, agg *stats.Aggregator, sink *logsink.Sink,
	orch *enrich.Orchestrator, rly *relay.Relay, opts Options) *Supervisor {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 30 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 500 * time.Millisecond
	}
	if opts.QueueCap <= 0 {
		opts.QueueCap = 10000
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 2 * time.Minute
	}
	return &Supervisor{
		source: source,
		engine: engine,
		agg:    agg,
		sink:   sink,
		orch:   orch,
		relay:  rly,
		opts:   opts,
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

func (s *Supervisor) setState(state State) {
	s.state.Store(int32(state))
}

// Reconnects returns the number of failed connection attempts recorded so
// far in this run.
func (s *Supervisor) Reconnects() int {
	return s.reconnects
}

// BackoffAttempt returns the current backoff attempt counter; zero whenever
// the last connection attempt succeeded.
func (s *Supervisor) BackoffAttempt() int {
	return s.opts.Backoff.Attempt()
}

// Run streams until a run limit is reached or ctx is cancelled, then drains
// enrichment, writes the session report and returns it. Blocking.
func (s *Supervisor) Run(ctx context.Context, limit RunLimit) (*SessionReport, error) {
	if err := s.sink.Open(); err != nil {
		return nil, err
	}

	if s.opts.StatsInterval > 0 {
		go s.liveStats(ctx)
	}

	cycleStart := time.Now()
	for ctx.Err() == nil {
		s.setState(StateConnecting)
		if err := s.source.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			s.reconnects++
			delay := s.opts.Backoff.Next()
			log.Warn().Err(err).
				Int("attempt", s.opts.Backoff.Attempt()).
				Dur("retry_in", delay).
				Msg("Connect failed")
			select {
			case <-ctx.Done():
			case <-time.After(delay):
			}
			continue
		}
		s.opts.Backoff.Reset()

		s.setState(StateStreaming)
		stopped := s.streamLoop(ctx, limit, &cycleStart)
		_ = s.source.Close()
		if stopped {
			break
		}
		s.setState(StateSuspended)
		s.reconnects++
	}

	s.setState(StateStopping)
	report := s.finish(ctx)
	s.setState(StateStopped)
	return report, nil
}

// streamLoop consumes events until the run must stop (returns true) or the
// connection broke and a reconnect is needed (returns false). The stop
// signal is polled at every read timeout, so it is observed within one
// event/heartbeat interval.
func (s *Supervisor) streamLoop(ctx context.Context, limit RunLimit, cycleStart *time.Time) bool {
	lastPing := time.Now()
	for {
		if ctx.Err() != nil {
			return true
		}

		if time.Since(lastPing) >= s.opts.Heartbeat {
			if err := s.source.Ping(); err != nil {
				log.Warn().Err(err).Msg("Heartbeat failed")
				return false
			}
			lastPing = time.Now()
		}

		ev, err := s.source.Next(s.opts.ReadTimeout)
		switch {
		case err == nil:
			s.process(ev)
		case jetstream.IsTimeout(err):
			// Poll point: fall through to the limit check.
		case errors.Is(err, jetstream.ErrNotPost):
			continue
		case errors.Is(err, jetstream.ErrMalformed):
			s.agg.RecordMalformed()
			continue
		default:
			log.Warn().Err(err).Msg("Stream read failed")
			return false
		}

		switch limit.Mode {
		case ModeCount:
			if s.agg.TotalMatched() >= limit.Count {
				log.Info().Uint64("count", limit.Count).Msg("Match limit reached")
				return true
			}
		case ModeDuration:
			if time.Since(*cycleStart) >= limit.Duration {
				log.Info().Dur("duration", limit.Duration).Msg("Time limit reached")
				return true
			}
		case ModeDurationArchive:
			if time.Since(*cycleStart) >= limit.Duration {
				s.archiveCycle(ctx)
				*cycleStart = time.Now()
			}
		}
	}
}

// process runs one event through classification, counters and the sink, and
// queues it for enrichment on a keyword match.
func (s *Supervisor) process(ev *jetstream.Event) {
	res := s.engine.Classify(ev)
	s.agg.RecordSeen(ev, res.Hashtags)

	ts := ev.CreatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	if ev.Text != "" {
		_ = s.sink.AppendPost(logsink.CategoryFull, ts, ev.Text)
	}

	if len(res.Matched) == 0 {
		return
	}

	s.agg.RecordMatch(ev, res)
	_ = s.sink.AppendPost(logsink.CategoryPosts, ts, ev.Text)
	for _, link := range res.ExternalLinks {
		_ = s.sink.AppendURL(link)
	}

	if len(s.pending) >= s.opts.QueueCap {
		s.pending = s.pending[1:]
		s.agg.RecordQueueDropped(1)
	}
	s.pending = append(s.pending, &enrich.MatchRecord{Event: ev, Filter: res})

	log.Debug().
		Str("post", ev.ID).
		Strs("keywords", res.Matched).
		Msg("Keyword match")
}

// archiveCycle ends the current logging session and starts a fresh one
// without stopping the stream: drain enrichment (no countdown), report,
// rotate the sink, reset the counters.
func (s *Supervisor) archiveCycle(ctx context.Context) {
	log.Info().Msg("Archive cycle starting")

	s.drainEnrichment(ctx, true)

	snap := s.agg.SnapshotAndReset()
	if err := s.sink.WriteReport(stats.ReportLines(snap)); err != nil {
		log.Error().Err(err).Msg("Archive report write failed")
	}
	if err := s.sink.Close(); err != nil {
		log.Error().Err(err).Msg("Archive close failed")
	}
	if err := s.sink.Open(); err != nil {
		log.Error().Err(err).Msg("Archive reopen failed")
	}
}

// drainEnrichment hands the pending batch to the orchestrator and applies
// the results: author names, translated log entries, relay publishes.
func (s *Supervisor) drainEnrichment(ctx context.Context, skipCountdown bool) {
	if len(s.pending) == 0 {
		return
	}
	records := s.pending
	s.pending = nil

	result := s.orch.Enrich(ctx, records, skipCountdown)
	if result.Aborted {
		log.Warn().Int("records", len(records)).Msg("Enrichment batch abandoned")
		return
	}
	s.agg.RecordEnrichmentFailures(result.Failures())

	for _, rec := range result.Records {
		if rec.Profile != nil {
			name := rec.Profile.DisplayName
			if name == "" {
				name = rec.Profile.Handle
			}
			s.agg.SetAuthorName(rec.Event.AuthorID, name)
		}

		if rec.Translation != nil && rec.Skip == enrich.SkipNone {
			ts := rec.Event.CreatedAt
			if ts.IsZero() {
				ts = time.Now()
			}
			_ = s.sink.AppendTranslation(ts, rec.Event.Text, rec.Translation.Text)
		}

		if s.relay != nil {
			if err := s.relay.Publish(ctx, rec); err != nil {
				log.Error().Err(err).Str("post", rec.Event.ID).Msg("Relay publish failed")
			}
		}
	}
}

// finish drains enrichment under a bounded context detached from the stop
// signal, writes the final report and closes the sink.
func (s *Supervisor) finish(ctx context.Context) *SessionReport {
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.DrainTimeout)
	defer cancel()
	s.drainEnrichment(drainCtx, false)

	snap := s.agg.Snapshot()
	lines := stats.ReportLines(snap)
	if err := s.sink.WriteReport(lines); err != nil {
		log.Error().Err(err).Msg("Report write failed")
	}
	if err := s.sink.Close(); err != nil {
		log.Error().Err(err).Msg("Sink close failed")
	}

	return &SessionReport{
		Snapshot:   snap,
		Lines:      lines,
		Reconnects: s.reconnects,
	}
}

// liveStats periodically logs a read-only snapshot of the counters.
func (s *Supervisor) liveStats(ctx context.Context) {
	ticker := time.NewTicker(s.opts.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := s.agg.Snapshot()
			ev := log.Info().
				Str("state", s.State().String()).
				Uint64("seen", snap.TotalSeen).
				Uint64("matched", snap.TotalMatched)
			if len(snap.Languages) > 0 {
				top := snap.Languages[0]
				ev = ev.Str("top_language", stats.LanguageName(top.Key))
			}
			ev.Msg("Live stats")
		}
	}
}
