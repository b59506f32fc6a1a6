// Package filter classifies decoded posts: keyword matching, hashtag and
// external link extraction, and an advisory target language heuristic.
package filter

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/jonezian/yeti/internal/jetstream"
)

var (
	hashtagRe = regexp.MustCompile(`#(\w+)`)
	urlRe     = regexp.MustCompile(`https?://[^\s<>"']+`)
)

// Result is the stateless classification of one event.
type Result struct {
	Matched          []string
	IsTargetLanguage bool
	DetectedLanguage string
	Hashtags         []string
	ExternalLinks    []string
}

// Config tunes the language heuristic and the internal domain set. The
// heuristic is advisory: it feeds statistics and the translation skip
// decision, never a hard filter.
type Config struct {
	TargetLanguage string
	// ScoreThreshold is the minimum heuristic score to classify text as
	// the target language when no language tag is declared.
	ScoreThreshold int
	// TargetWords are high frequency words of the target language; each
	// hit raises the score by one.
	TargetWords []string
	// ReferenceWords are high frequency words of a contrasting language;
	// each hit lowers the score by one.
	ReferenceWords []string
	// Markers are target specific characters or diphthongs; each distinct
	// marker present raises the score by two.
	Markers []string
	// InternalDomains are hosts whose links are not considered external.
	// Matching is exact or by suffix.
	InternalDomains []string
}

// Engine holds precomputed keyword and wordlist state. It is pure and safe
// for concurrent use.
type Engine struct {
	cfg             Config
	keywords        []string
	keywordsLower   []string
	targetWords     map[string]struct{}
	referenceWords  map[string]struct{}
	internalDomains []string
}

// NewEngine builds an engine for the given keywords. Keywords are matched as
// case insensitive substrings.
func NewEngine(keywords []string, cfg Config) *Engine {
	if cfg.TargetLanguage == "" {
		cfg.TargetLanguage = "en"
	}
	if cfg.ScoreThreshold == 0 {
		cfg.ScoreThreshold = 3
	}
	if cfg.TargetWords == nil {
		cfg.TargetWords = defaultEnglishWords
	}
	if cfg.InternalDomains == nil {
		cfg.InternalDomains = defaultInternalDomains
	}

	e := &Engine{
		cfg:            cfg,
		keywords:       keywords,
		targetWords:    make(map[string]struct{}, len(cfg.TargetWords)),
		referenceWords: make(map[string]struct{}, len(cfg.ReferenceWords)),
	}
	for _, kw := range keywords {
		e.keywordsLower = append(e.keywordsLower, strings.ToLower(kw))
	}
	for _, w := range cfg.TargetWords {
		e.targetWords[strings.ToLower(w)] = struct{}{}
	}
	for _, w := range cfg.ReferenceWords {
		e.referenceWords[strings.ToLower(w)] = struct{}{}
	}
	for _, d := range cfg.InternalDomains {
		e.internalDomains = append(e.internalDomains, strings.ToLower(d))
	}
	return e
}

// Keywords returns the configured keyword list in its original casing.
func (e *Engine) Keywords() []string {
	return e.keywords
}

// Classify computes the full classification of one event. Deterministic,
// no I/O.
func (e *Engine) Classify(ev *jetstream.Event) Result {
	res := Result{
		Matched:          e.MatchKeywords(ev.Text),
		Hashtags:         e.ExtractHashtags(ev),
		ExternalLinks:    e.ExtractLinks(ev),
		DetectedLanguage: detectedLanguage(ev.Languages),
	}
	res.IsTargetLanguage = e.IsTargetLanguage(ev.Text, ev.Languages)
	return res
}

// MatchKeywords returns every configured keyword found in text, not just the
// first, preserving configuration order.
func (e *Engine) MatchKeywords(text string) []string {
	if text == "" {
		return nil
	}
	lower := strings.ToLower(text)
	var matched []string
	for i, kw := range e.keywordsLower {
		if strings.Contains(lower, kw) {
			matched = append(matched, e.keywords[i])
		}
	}
	return matched
}

// ExtractHashtags merges structured tag annotations with a text scan for
// `#` followed by word characters, deduplicated case insensitively.
func (e *Engine) ExtractHashtags(ev *jetstream.Event) []string {
	seen := make(map[string]struct{})
	var tags []string
	add := func(tag string) {
		key := strings.ToLower(tag)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		tags = append(tags, tag)
	}

	for _, tag := range ev.Hashtags {
		add(tag)
	}
	for _, m := range hashtagRe.FindAllStringSubmatch(ev.Text, -1) {
		add(m[1])
	}
	return tags
}

// ExtractLinks merges structured link annotations with http(s) URLs found in
// the text, minus links whose host belongs to the internal domain set.
func (e *Engine) ExtractLinks(ev *jetstream.Event) []string {
	seen := make(map[string]struct{})
	var links []string
	add := func(link string) {
		if _, ok := seen[link]; ok || e.isInternalLink(link) {
			return
		}
		seen[link] = struct{}{}
		links = append(links, link)
	}

	for _, link := range ev.Links {
		add(link)
	}
	for _, link := range urlRe.FindAllString(ev.Text, -1) {
		add(strings.TrimRight(link, ".,;:!?)"))
	}
	return links
}

func (e *Engine) isInternalLink(link string) bool {
	u, err := url.Parse(link)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, domain := range e.internalDomains {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

// IsTargetLanguage reports whether the text is in the target language. A
// declared language tag is trusted; otherwise the score heuristic decides.
func (e *Engine) IsTargetLanguage(text string, langs []string) bool {
	for _, lang := range langs {
		if strings.HasPrefix(strings.ToLower(lang), e.cfg.TargetLanguage) {
			return true
		}
	}
	if len(langs) > 0 {
		return false
	}
	return e.LanguageScore(text) >= e.cfg.ScoreThreshold
}

// LanguageScore computes the heuristic confidence that text is in the target
// language. Marker hits count two, target word hits one, reference word hits
// minus one. Exposed so the threshold stays a testable policy.
func (e *Engine) LanguageScore(text string) int {
	lower := strings.ToLower(text)
	score := 0
	for _, marker := range e.cfg.Markers {
		if strings.Contains(lower, strings.ToLower(marker)) {
			score += 2
		}
	}
	for _, word := range strings.Fields(lower) {
		word = strings.Trim(word, ".,;:!?\"'()")
		if _, ok := e.targetWords[word]; ok {
			score++
		}
		if _, ok := e.referenceWords[word]; ok {
			score--
		}
	}
	return score
}

func detectedLanguage(langs []string) string {
	if len(langs) == 0 {
		return "unknown"
	}
	return strings.ToLower(langs[0])
}

var defaultInternalDomains = []string{
	"bsky.app",
	"bsky.social",
	"blueskyweb.xyz",
	"atproto.com",
}

var defaultEnglishWords = []string{
	"the", "and", "is", "it", "that", "was", "for", "on",
	"are", "with", "they", "be", "at", "one", "have", "this",
	"from", "by", "not", "but", "what", "all", "were", "we",
	"when", "your", "can", "said", "there", "use", "an", "each",
	"which", "she", "do", "how", "their", "if", "will", "up",
	"about", "out", "many", "then", "them", "these", "so", "some",
}
