package jetstream

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotPost marks frames that are valid but not post create commits.
	ErrNotPost = errors.New("jetstream: not a post commit")
	// ErrMalformed marks frames that cannot be decoded or exceed the size
	// limit. The caller drops and counts them.
	ErrMalformed = errors.New("jetstream: malformed message")
)

const (
	postCollection  = "app.bsky.feed.post"
	linkFeatureType = "app.bsky.richtext.facet#link"
	tagFeatureType  = "app.bsky.richtext.facet#tag"
	externalEmbed   = "app.bsky.embed.external"
)

type wireMessage struct {
	DID    string      `json:"did"`
	Kind   string      `json:"kind"`
	Commit *wireCommit `json:"commit"`
}

type wireCommit struct {
	Operation  string      `json:"operation"`
	Collection string      `json:"collection"`
	RKey       string      `json:"rkey"`
	Record     *wireRecord `json:"record"`
}

type wireRecord struct {
	Text      string      `json:"text"`
	Langs     []string    `json:"langs"`
	CreatedAt string      `json:"createdAt"`
	Facets    []wireFacet `json:"facets"`
	Embed     *wireEmbed  `json:"embed"`
}

type wireFacet struct {
	Features []wireFeature `json:"features"`
}

type wireFeature struct {
	Type string `json:"$type"`
	URI  string `json:"uri"`
	Tag  string `json:"tag"`
}

type wireEmbed struct {
	Type     string `json:"$type"`
	External struct {
		URI string `json:"uri"`
	} `json:"external"`
}

// Decode parses one raw Jetstream frame into an Event. It returns ErrNotPost
// for frames filtered out by kind/operation/collection and ErrMalformed for
// frames that cannot be decoded or exceed maxBytes.
func Decode(data []byte, maxBytes int64) (*Event, error) {
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, ErrMalformed
	}

	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, ErrMalformed
	}

	if msg.Kind != "commit" || msg.Commit == nil {
		return nil, ErrNotPost
	}
	commit := msg.Commit
	if commit.Operation != "create" || commit.Collection != postCollection {
		return nil, ErrNotPost
	}

	ev := &Event{
		ID:       msg.DID + "/" + commit.RKey,
		AuthorID: msg.DID,
	}

	// A commit with no record still counts as a seen post; it simply has
	// nothing to match against.
	rec := commit.Record
	if rec == nil {
		return ev, nil
	}

	ev.Text = rec.Text
	ev.Languages = rec.Langs
	if ts, err := time.Parse(time.RFC3339, rec.CreatedAt); err == nil {
		ev.CreatedAt = ts
	}

	for _, facet := range rec.Facets {
		for _, feature := range facet.Features {
			switch feature.Type {
			case linkFeatureType:
				if feature.URI != "" {
					ev.Links = append(ev.Links, feature.URI)
				}
			case tagFeatureType:
				if feature.Tag != "" {
					ev.Hashtags = append(ev.Hashtags, feature.Tag)
				}
			}
		}
	}
	if rec.Embed != nil && rec.Embed.Type == externalEmbed && rec.Embed.External.URI != "" {
		ev.Links = append(ev.Links, rec.Embed.External.URI)
	}

	return ev, nil
}
