package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Distinguishable translation failure categories.
var (
	ErrTranslateNetwork  = errors.New("translate: network failure")
	ErrTranslateQuota    = errors.New("translate: quota exceeded")
	ErrTranslateResponse = errors.New("translate: malformed response")
)

// Translator requests translations into the target language.
type Translator interface {
	Translate(ctx context.Context, text string) (*Translation, error)
}

// HTTPTranslator calls the unauthenticated Google Translate gtx endpoint.
// Input is length capped before the request.
type HTTPTranslator struct {
	endpoint   string
	targetLang string
	maxChars   int
	client     *http.Client
}

// NewHTTPTranslator creates a translator for the given endpoint and target
// language code.
func NewHTTPTranslator(endpoint, targetLang string, maxChars int) *HTTPTranslator {
	return &HTTPTranslator{
		endpoint:   endpoint,
		targetLang: targetLang,
		maxChars:   maxChars,
		client:     &http.Client{Timeout: 5 * time.Second},
	}
}

// Translate requests a translation, returning the translated text and the
// detected source language code.
func (t *HTTPTranslator) Translate(ctx context.Context, text string) (*Translation, error) {
	if t.maxChars > 0 {
		if runes := []rune(text); len(runes) > t.maxChars {
			text = string(runes[:t.maxChars])
		}
	}

	params := url.Values{
		"client": {"gtx"},
		"sl":     {"auto"},
		"tl":     {t.targetLang},
		"dt":     {"t"},
		"q":      {text},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTranslateNetwork, err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTranslateNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, ErrTranslateQuota
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrTranslateResponse, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTranslateNetwork, err)
	}
	return parseGtxResponse(body)
}

// parseGtxResponse decodes the gtx array-of-arrays payload:
// [[["translated","original",...],...],null,"sourceLang",...]
func parseGtxResponse(body []byte) (*Translation, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil || len(raw) == 0 {
		return nil, fmt.Errorf("%w: not an array", ErrTranslateResponse)
	}

	var parts [][]json.RawMessage
	if err := json.Unmarshal(raw[0], &parts); err != nil {
		return nil, fmt.Errorf("%w: bad segments", ErrTranslateResponse)
	}

	var sb strings.Builder
	for _, part := range parts {
		if len(part) == 0 {
			continue
		}
		var segment string
		if err := json.Unmarshal(part[0], &segment); err != nil {
			continue
		}
		sb.WriteString(segment)
	}
	if sb.Len() == 0 {
		return nil, fmt.Errorf("%w: empty translation", ErrTranslateResponse)
	}

	sourceLang := "unknown"
	if len(raw) > 2 {
		var lang string
		if err := json.Unmarshal(raw[2], &lang); err == nil && lang != "" {
			sourceLang = lang
		}
	}

	return &Translation{Text: sb.String(), SourceLang: sourceLang}, nil
}

// normalize lowercases and collapses whitespace for no-op comparison.
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// IsNoop reports whether translated text equals the source after
// case/whitespace normalization.
func IsNoop(source, translated string) bool {
	return normalize(source) == normalize(translated)
}
