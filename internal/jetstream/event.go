// Package jetstream consumes the Bluesky Jetstream firehose over WebSocket
// and decodes post commit messages into events.
package jetstream

import "time"

// Event is one decoded post from the firehose. It is never mutated after
// decoding; ownership moves with it through the pipeline.
type Event struct {
	ID        string
	AuthorID  string
	CreatedAt time.Time
	Text      string
	Languages []string

	// Hashtags and Links hold the structured richtext annotations from the
	// wire message. The filter engine completes extraction with a text scan.
	Hashtags []string
	Links    []string
}
