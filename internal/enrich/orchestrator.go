package enrich

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Options bounds the worker pools and the pre-batch countdown window.
type Options struct {
	ProfileWorkers   int
	TranslateWorkers int
	// Countdown is a cancellable wait before a batch starts. Archive
	// cycles skip it to avoid stalling the live stream.
	Countdown time.Duration
}

// Orchestrator runs profile and translation enrichment over bounded worker
// pools. The shared clients are reused read-only across workers.
type Orchestrator struct {
	profiles   ProfileFetcher
	translator Translator
	cache      *ProfileCache
	opts       Options
}

// Result carries the enriched records plus isolated failure counts. Aborted
// is set when the countdown window was cancelled; no records were touched.
type Result struct {
	Records             []*MatchRecord
	ProfileFailures     int
	TranslationFailures int
	Aborted             bool
}

// Failures returns the combined failure count.
func (r Result) Failures() int {
	return r.ProfileFailures + r.TranslationFailures
}

// NewOrchestrator creates an orchestrator. cache may be nil.
func NewOrchestrator(profiles ProfileFetcher, translator Translator, cache *ProfileCache, opts Options) *Orchestrator {
	if opts.ProfileWorkers <= 0 {
		opts.ProfileWorkers = 10
	}
	if opts.TranslateWorkers <= 0 {
		opts.TranslateWorkers = 8
	}
	return &Orchestrator{
		profiles:   profiles,
		translator: translator,
		cache:      cache,
		opts:       opts,
	}
}

// Enrich processes one batch of match records. A single item's failure is
// isolated; the batch always returns partial results plus failure counts.
// Results are attached to their originating records, never re-associated by
// position.
func (o *Orchestrator) Enrich(ctx context.Context, records []*MatchRecord, skipCountdown bool) Result {
	if len(records) == 0 {
		return Result{}
	}

	if !skipCountdown && o.opts.Countdown > 0 {
		if !o.countdown(ctx) {
			return Result{Aborted: true}
		}
	}

	result := Result{Records: records}

	profiles, profileFailures := o.fetchProfiles(ctx, records)
	result.ProfileFailures = profileFailures
	for _, rec := range records {
		rec.Profile = profiles[rec.Event.AuthorID]
	}

	result.TranslationFailures = o.translateRecords(ctx, records)

	log.Info().
		Int("records", len(records)).
		Int("profile_failures", result.ProfileFailures).
		Int("translation_failures", result.TranslationFailures).
		Msg("Enrichment batch complete")
	return result
}

// countdown waits out the pacing window, polling for cancellation at each
// tick. Returns false when the batch was aborted.
func (o *Orchestrator) countdown(ctx context.Context) bool {
	log.Info().Dur("countdown", o.opts.Countdown).Msg("Enrichment starting after countdown")

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	deadline := time.Now().Add(o.opts.Countdown)

	for {
		select {
		case <-ctx.Done():
			log.Warn().Msg("Enrichment batch aborted during countdown")
			return false
		case <-ticker.C:
			if !time.Now().Before(deadline) {
				return true
			}
		}
	}
}

// fetchProfiles resolves each unique author at most once per batch, through
// the cache when one is configured. Failures degrade to an unknown profile.
func (o *Orchestrator) fetchProfiles(ctx context.Context, records []*MatchRecord) (map[string]*Profile, int) {
	unique := make(map[string]struct{}, len(records))
	var actors []string
	for _, rec := range records {
		if _, ok := unique[rec.Event.AuthorID]; ok {
			continue
		}
		unique[rec.Event.AuthorID] = struct{}{}
		actors = append(actors, rec.Event.AuthorID)
	}

	var (
		mu       sync.Mutex
		profiles = make(map[string]*Profile, len(actors))
		failures int
	)

	jobs := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < o.opts.ProfileWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for actor := range jobs {
				if cached := o.cache.Get(ctx, actor); cached != nil {
					mu.Lock()
					profiles[actor] = cached
					mu.Unlock()
					continue
				}

				p, err := o.profiles.GetProfile(ctx, actor)
				if err != nil {
					log.Debug().Err(err).Str("actor", actor).Msg("Profile fetch failed")
					mu.Lock()
					failures++
					mu.Unlock()
					continue
				}
				o.cache.Set(ctx, actor, p)
				mu.Lock()
				profiles[actor] = p
				mu.Unlock()
			}
		}()
	}

	for _, actor := range actors {
		jobs <- actor
	}
	close(jobs)
	wg.Wait()

	return profiles, failures
}

// translateRecords runs the translation pool. Target-language posts skip the
// network call; no-op translations are marked skipped instead of kept.
func (o *Orchestrator) translateRecords(ctx context.Context, records []*MatchRecord) int {
	var (
		mu       sync.Mutex
		failures int
	)

	jobs := make(chan *MatchRecord)
	var wg sync.WaitGroup
	for i := 0; i < o.opts.TranslateWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rec := range jobs {
				translation, err := o.translator.Translate(ctx, rec.Event.Text)
				if err != nil {
					log.Debug().Err(err).Str("post", rec.Event.ID).Msg("Translation failed")
					mu.Lock()
					failures++
					mu.Unlock()
					continue
				}
				if IsNoop(rec.Event.Text, translation.Text) {
					rec.Skip = SkipNoop
					continue
				}
				rec.Translation = translation
			}
		}()
	}

	for _, rec := range records {
		if rec.Filter.IsTargetLanguage {
			rec.Skip = SkipAlreadyTarget
			continue
		}
		jobs <- rec
	}
	close(jobs)
	wg.Wait()

	return failures
}
