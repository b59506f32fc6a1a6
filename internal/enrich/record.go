// Package enrich fetches profile metadata and translations for matched posts
// using bounded worker pools.
package enrich

import (
	"github.com/jonezian/yeti/internal/filter"
	"github.com/jonezian/yeti/internal/jetstream"
)

// SkipReason explains why a record was not translated.
type SkipReason string

const (
	// SkipNone means the record was translated (or translation failed).
	SkipNone SkipReason = ""
	// SkipAlreadyTarget means the advisory language classification marked
	// the post as already being in the target language.
	SkipAlreadyTarget SkipReason = "already target language"
	// SkipNoop means the translation equalled the source text after
	// case/whitespace normalization.
	SkipNoop SkipReason = "no-op translation"
)

// Profile is the author metadata fetched from the profile collaborator.
type Profile struct {
	DisplayName string `json:"display_name"`
	Handle      string `json:"handle"`
}

// Translation is one translation result with the detected source language.
type Translation struct {
	Text       string
	SourceLang string
}

// MatchRecord is one matched post queued for enrichment. Ownership transfers
// to the orchestrator on enqueue and back to the caller with the result.
type MatchRecord struct {
	Event  *jetstream.Event
	Filter filter.Result

	Profile     *Profile
	Translation *Translation
	Skip        SkipReason
}
