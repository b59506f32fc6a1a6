package enrich

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonezian/yeti/internal/filter"
	"github.com/jonezian/yeti/internal/jetstream"
)

type fakeProfiles struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]bool
}

func newFakeProfiles() *fakeProfiles {
	return &fakeProfiles{calls: make(map[string]int), fail: make(map[string]bool)}
}

func (f *fakeProfiles) GetProfile(_ context.Context, actor string) (*Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[actor]++
	if f.fail[actor] {
		return nil, errors.New("boom")
	}
	return &Profile{DisplayName: "Name of " + actor, Handle: actor + ".bsky.social"}, nil
}

type fakeTranslator struct {
	mu    sync.Mutex
	calls int
	fail  map[string]bool
	noop  map[string]bool
}

func newFakeTranslator() *fakeTranslator {
	return &fakeTranslator{fail: make(map[string]bool), noop: make(map[string]bool)}
}

func (f *fakeTranslator) Translate(_ context.Context, text string) (*Translation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail[text] {
		return nil, ErrTranslateNetwork
	}
	if f.noop[text] {
		return &Translation{Text: text, SourceLang: "en"}, nil
	}
	return &Translation{Text: "translated: " + text, SourceLang: "fi"}, nil
}

func record(id, author, text string, targetLang bool) *MatchRecord {
	return &MatchRecord{
		Event:  &jetstream.Event{ID: id, AuthorID: author, Text: text},
		Filter: filter.Result{IsTargetLanguage: targetLang},
	}
}

func TestEnrichAttachesProfilesAndTranslations(t *testing.T) {
	profiles := newFakeProfiles()
	translator := newFakeTranslator()
	orch := NewOrchestrator(profiles, translator, nil, Options{})

	records := []*MatchRecord{
		record("p1", "did:a", "hei", false),
		record("p2", "did:b", "moi", false),
	}
	res := orch.Enrich(context.Background(), records, true)

	require.False(t, res.Aborted)
	assert.Zero(t, res.Failures())
	for _, rec := range records {
		require.NotNil(t, rec.Profile, rec.Event.ID)
		require.NotNil(t, rec.Translation, rec.Event.ID)
		assert.Equal(t, SkipNone, rec.Skip)
	}
	assert.Equal(t, "translated: hei", records[0].Translation.Text)
	assert.Equal(t, "Name of did:a", records[0].Profile.DisplayName)
}

func TestEnrichDedupesAuthorsPerBatch(t *testing.T) {
	profiles := newFakeProfiles()
	orch := NewOrchestrator(profiles, newFakeTranslator(), nil, Options{})

	var records []*MatchRecord
	for i := 0; i < 12; i++ {
		records = append(records, record(fmt.Sprintf("p%d", i), "did:same", "hei", false))
	}
	orch.Enrich(context.Background(), records, true)

	assert.Equal(t, 1, profiles.calls["did:same"])
	for _, rec := range records {
		assert.Equal(t, "Name of did:same", rec.Profile.DisplayName)
	}
}

func TestEnrichSkipsTargetLanguagePosts(t *testing.T) {
	translator := newFakeTranslator()
	orch := NewOrchestrator(newFakeProfiles(), translator, nil, Options{})

	records := []*MatchRecord{
		record("p1", "did:a", "already english", true),
		record("p2", "did:b", "hei", false),
	}
	orch.Enrich(context.Background(), records, true)

	assert.Equal(t, SkipAlreadyTarget, records[0].Skip)
	assert.Nil(t, records[0].Translation)
	assert.Equal(t, SkipNone, records[1].Skip)
	require.NotNil(t, records[1].Translation)

	// Only the non-target post reached the translator.
	assert.Equal(t, 1, translator.calls)
}

func TestEnrichMarksNoopTranslations(t *testing.T) {
	translator := newFakeTranslator()
	translator.noop["unchanged"] = true
	orch := NewOrchestrator(newFakeProfiles(), translator, nil, Options{})

	records := []*MatchRecord{record("p1", "did:a", "unchanged", false)}
	orch.Enrich(context.Background(), records, true)

	assert.Equal(t, SkipNoop, records[0].Skip)
	assert.Nil(t, records[0].Translation)
}

func TestEnrichIsolatesFailures(t *testing.T) {
	profiles := newFakeProfiles()
	profiles.fail["did:bad"] = true
	translator := newFakeTranslator()
	translator.fail["broken"] = true
	orch := NewOrchestrator(profiles, translator, nil, Options{})

	records := []*MatchRecord{
		record("p1", "did:bad", "hei", false),
		record("p2", "did:ok", "broken", false),
		record("p3", "did:ok", "moi", false),
	}
	res := orch.Enrich(context.Background(), records, true)

	assert.Equal(t, 1, res.ProfileFailures)
	assert.Equal(t, 1, res.TranslationFailures)
	assert.Equal(t, 2, res.Failures())

	// The failed profile degrades to nil; its translation still ran.
	assert.Nil(t, records[0].Profile)
	assert.NotNil(t, records[0].Translation)

	// The failed translation leaves the record without one; the profile is
	// still attached.
	assert.Nil(t, records[1].Translation)
	assert.NotNil(t, records[1].Profile)

	// The healthy record is fully enriched.
	assert.NotNil(t, records[2].Profile)
	assert.NotNil(t, records[2].Translation)
}

func TestEnrichCountdownAborts(t *testing.T) {
	orch := NewOrchestrator(newFakeProfiles(), newFakeTranslator(), nil, Options{Countdown: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	records := []*MatchRecord{record("p1", "did:a", "hei", false)}
	res := orch.Enrich(ctx, records, false)

	assert.True(t, res.Aborted)
	assert.Nil(t, records[0].Profile)
	assert.Nil(t, records[0].Translation)
}

func TestEnrichSkipCountdownBypassesWait(t *testing.T) {
	orch := NewOrchestrator(newFakeProfiles(), newFakeTranslator(), nil, Options{Countdown: time.Hour})

	done := make(chan struct{})
	go func() {
		orch.Enrich(context.Background(), []*MatchRecord{record("p1", "did:a", "hei", false)}, true)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("enrichment blocked on countdown despite skip")
	}
}

func TestEnrichEmptyBatch(t *testing.T) {
	orch := NewOrchestrator(newFakeProfiles(), newFakeTranslator(), nil, Options{})
	res := orch.Enrich(context.Background(), nil, false)
	assert.Empty(t, res.Records)
	assert.Zero(t, res.Failures())
}
