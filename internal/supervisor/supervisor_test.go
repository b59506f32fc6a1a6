package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonezian/yeti/internal/enrich"
	"github.com/jonezian/yeti/internal/filter"
	"github.com/jonezian/yeti/internal/jetstream"
	"github.com/jonezian/yeti/internal/logsink"
	"github.com/jonezian/yeti/internal/stats"
)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.Disabled)
	os.Exit(m.Run())
}

type sourceStep struct {
	ev    *jetstream.Event
	err   error
	delay time.Duration
}

// fakeSource replays a scripted sequence of events and errors. Once the
// script runs out it reports read timeouts and fires the exhausted hook,
// which tests use to cancel the run context.
type fakeSource struct {
	mu          sync.Mutex
	connectFail int
	steps       []sourceStep
	idx         int
	connects    int
	pings       int
	exhausted   func()

	exhaustedOnce sync.Once
}

func (f *fakeSource) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectFail > 0 {
		f.connectFail--
		return errors.New("dial refused")
	}
	return nil
}

func (f *fakeSource) Next(timeout time.Duration) (*jetstream.Event, error) {
	f.mu.Lock()
	if f.idx >= len(f.steps) {
		f.mu.Unlock()
		f.exhaustedOnce.Do(func() {
			if f.exhausted != nil {
				f.exhausted()
			}
		})
		time.Sleep(timeout)
		return nil, jetstream.ErrTimeout
	}
	st := f.steps[f.idx]
	f.idx++
	f.mu.Unlock()

	if st.delay > 0 {
		time.Sleep(st.delay)
	}
	if st.err != nil {
		return nil, st.err
	}
	return st.ev, nil
}

func (f *fakeSource) Ping() error {
	f.mu.Lock()
	f.pings++
	f.mu.Unlock()
	return nil
}

func (f *fakeSource) Close() error { return nil }

type stubProfiles struct{}

func (stubProfiles) GetProfile(_ context.Context, actor string) (*enrich.Profile, error) {
	return &enrich.Profile{DisplayName: "Name of " + actor, Handle: actor + ".test"}, nil
}

type stubTranslator struct{}

func (stubTranslator) Translate(_ context.Context, text string) (*enrich.Translation, error) {
	return &enrich.Translation{Text: "translated: " + text, SourceLang: "fi"}, nil
}

func evt(n int, author, text string) sourceStep {
	return sourceStep{ev: &jetstream.Event{
		ID:       fmt.Sprintf("%s/%d", author, n),
		AuthorID: author,
		Text:     text,
	}}
}

func newTestSupervisor(t *testing.T, source Source, keywords []string, opts Options) (*Supervisor, *stats.Aggregator, string) {
	t.Helper()
	dir := t.TempDir()

	if opts.Heartbeat == 0 {
		opts.Heartbeat = time.Hour
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 5 * time.Millisecond
	}
	if opts.Backoff.Base == 0 {
		opts.Backoff = Backoff{Base: time.Millisecond, Cap: 2 * time.Millisecond}
	}

	engine := filter.NewEngine(keywords, filter.Config{})
	agg := stats.NewAggregator(keywords)
	sink := logsink.New(dir)
	orch := enrich.NewOrchestrator(stubProfiles{}, stubTranslator{}, nil, enrich.Options{
		ProfileWorkers:   2,
		TranslateWorkers: 2,
	})
	return New(source, engine, agg, sink, orch, nil, opts), agg, dir
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0
	}
	require.NoError(t, err)
	return len(strings.Split(strings.TrimRight(string(data), "\n"), "\n"))
}

func TestRunCountsSeenAndMatched(t *testing.T) {
	var steps []sourceStep
	for i := 0; i < 100; i++ {
		text := fmt.Sprintf("post number %d", i)
		if i%40 == 0 { // posts 0, 40, 80
			text = fmt.Sprintf("learning python today %d", i)
		}
		steps = append(steps, evt(i, fmt.Sprintf("did:a%d", i%10), text))
	}
	steps = append(steps,
		sourceStep{err: jetstream.ErrNotPost},
		sourceStep{err: jetstream.ErrMalformed},
		sourceStep{err: jetstream.ErrMalformed},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	source := &fakeSource{steps: steps, exhausted: cancel}

	sup, _, dir := newTestSupervisor(t, source, []string{"python"}, Options{})
	report, err := sup.Run(ctx, RunLimit{Mode: ModeUnbounded})
	require.NoError(t, err)

	assert.Equal(t, uint64(100), report.Snapshot.TotalSeen)
	assert.Equal(t, uint64(3), report.Snapshot.TotalMatched)
	assert.Equal(t, uint64(3), report.Snapshot.KeywordCounts["python"])
	assert.Equal(t, uint64(2), report.Snapshot.Malformed)
	assert.Equal(t, StateStopped, sup.State())

	assert.Equal(t, 100, countLines(t, filepath.Join(dir, "full.log")))
	assert.Equal(t, 3, countLines(t, filepath.Join(dir, "posts.log")))

	// The final drain enriched the three matches.
	translated, readErr := os.ReadFile(filepath.Join(dir, "translated.log"))
	require.NoError(t, readErr)
	assert.Contains(t, string(translated), "translated: learning python today 0")

	reportText, readErr := os.ReadFile(filepath.Join(dir, "report.txt"))
	require.NoError(t, readErr)
	assert.Contains(t, string(reportText), "SESSION REPORT")
	assert.Contains(t, string(reportText), "python: 3")
}

func TestRunCountLimitStopsExactly(t *testing.T) {
	var steps []sourceStep
	for i := 0; i < 20; i++ {
		steps = append(steps, evt(i, "did:a", fmt.Sprintf("python tip %d", i)))
	}
	source := &fakeSource{steps: steps}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sup, _, _ := newTestSupervisor(t, source, []string{"python"}, Options{})
	report, err := sup.Run(ctx, RunLimit{Mode: ModeCount, Count: 5})
	require.NoError(t, err)

	assert.Equal(t, uint64(5), report.Snapshot.TotalMatched)
	// The limit check runs after every event, so nothing past the fifth
	// match was consumed.
	assert.Equal(t, 5, source.idx)
}

func TestRunRetriesFailedConnects(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	source := &fakeSource{
		connectFail: 3,
		steps:       []sourceStep{evt(0, "did:a", "hello"), evt(1, "did:a", "world")},
		exhausted:   cancel,
	}

	sup, _, _ := newTestSupervisor(t, source, []string{"python"}, Options{})
	report, err := sup.Run(ctx, RunLimit{Mode: ModeUnbounded})
	require.NoError(t, err)

	assert.Equal(t, 3, report.Reconnects)
	assert.Equal(t, 4, source.connects)
	assert.Equal(t, uint64(2), report.Snapshot.TotalSeen)
	assert.Equal(t, 0, sup.BackoffAttempt(), "backoff resets on successful connect")
}

type noopTranslator struct{}

func (noopTranslator) Translate(_ context.Context, text string) (*enrich.Translation, error) {
	return &enrich.Translation{Text: text, SourceLang: "en"}, nil
}

func TestNoopTranslationNeverLogged(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	source := &fakeSource{
		steps:     []sourceStep{evt(0, "did:a", "python untranslatable")},
		exhausted: cancel,
	}

	dir := t.TempDir()
	engine := filter.NewEngine([]string{"python"}, filter.Config{})
	agg := stats.NewAggregator([]string{"python"})
	sink := logsink.New(dir)
	orch := enrich.NewOrchestrator(stubProfiles{}, noopTranslator{}, nil, enrich.Options{
		ProfileWorkers:   2,
		TranslateWorkers: 2,
	})
	sup := New(source, engine, agg, sink, orch, nil, Options{
		Heartbeat:   time.Hour,
		ReadTimeout: 5 * time.Millisecond,
		Backoff:     Backoff{Base: time.Millisecond, Cap: 2 * time.Millisecond},
	})

	report, err := sup.Run(ctx, RunLimit{Mode: ModeUnbounded})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), report.Snapshot.TotalMatched)

	data, readErr := os.ReadFile(filepath.Join(dir, "translated.log"))
	require.NoError(t, readErr)
	assert.Empty(t, string(data))
}

func TestRunReconnectsAfterStreamDrop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	source := &fakeSource{
		steps: []sourceStep{
			evt(0, "did:a", "before the drop"),
			{err: errors.New("connection reset")},
			evt(1, "did:a", "after the drop"),
		},
		exhausted: cancel,
	}

	sup, _, _ := newTestSupervisor(t, source, []string{"python"}, Options{})
	report, err := sup.Run(ctx, RunLimit{Mode: ModeUnbounded})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Reconnects)
	assert.Equal(t, 2, source.connects)
	assert.Equal(t, uint64(2), report.Snapshot.TotalSeen)
}

func TestRunDurationLimit(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	source := &fakeSource{steps: []sourceStep{
		evt(0, "did:a", "one"),
		evt(1, "did:a", "two"),
	}}

	sup, _, _ := newTestSupervisor(t, source, []string{"python"}, Options{})
	report, err := sup.Run(ctx, RunLimit{Mode: ModeDuration, Duration: 30 * time.Millisecond})
	require.NoError(t, err)

	require.NoError(t, ctx.Err(), "run should stop on its own limit, not the test timeout")
	assert.Equal(t, uint64(2), report.Snapshot.TotalSeen)
}

func TestRunDurationArchiveRotatesAndContinues(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	source := &fakeSource{
		steps: []sourceStep{
			evt(0, "did:a", "cycle one a"),
			evt(1, "did:a", "cycle one b"),
			evt(2, "did:a", "cycle one c"),
			{err: jetstream.ErrTimeout, delay: 50 * time.Millisecond},
			evt(3, "did:a", "cycle two a"),
			evt(4, "did:a", "cycle two b"),
		},
		exhausted: cancel,
	}

	sup, _, dir := newTestSupervisor(t, source, []string{"python"}, Options{})
	report, err := sup.Run(ctx, RunLimit{Mode: ModeDurationArchive, Duration: 25 * time.Millisecond})
	require.NoError(t, err)

	// Counters were reset at the archive boundary; the final report covers
	// only the second cycle.
	assert.Equal(t, uint64(2), report.Snapshot.TotalSeen)

	entries, readErr := os.ReadDir(dir)
	require.NoError(t, readErr)
	var backupDir string
	for _, e := range entries {
		if e.IsDir() && strings.HasSuffix(e.Name(), "_logs") {
			backupDir = filepath.Join(dir, e.Name())
		}
	}
	require.NotEmpty(t, backupDir, "expected an archived log directory")
	assert.Equal(t, 3, countLines(t, filepath.Join(backupDir, "full.log")))
	assert.Equal(t, 2, countLines(t, filepath.Join(dir, "full.log")))
}

func TestRunHeartbeat(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	source := &fakeSource{}
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	sup, _, _ := newTestSupervisor(t, source, []string{"python"}, Options{
		Heartbeat: 10 * time.Millisecond,
	})
	_, err := sup.Run(ctx, RunLimit{Mode: ModeUnbounded})
	require.NoError(t, err)

	source.mu.Lock()
	pings := source.pings
	source.mu.Unlock()
	assert.Greater(t, pings, 0)
}

func TestParseRunMode(t *testing.T) {
	for mode, want := range map[string]RunMode{
		"":                 ModeUnbounded,
		"unbounded":        ModeUnbounded,
		"duration":         ModeDuration,
		"duration_archive": ModeDurationArchive,
		"count":            ModeCount,
	} {
		got, err := ParseRunMode(mode)
		require.NoError(t, err, mode)
		assert.Equal(t, want, got, mode)
	}

	_, err := ParseRunMode("forever")
	assert.Error(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "streaming", StateStreaming.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "unknown", State(99).String())
}
