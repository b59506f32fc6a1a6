// Package relay publishes enriched match records to Kafka for downstream
// consumers. The relay is optional: it is only constructed when brokers are
// configured.
package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/jonezian/yeti/internal/enrich"
)

// Message is the wire payload for one matched post.
type Message struct {
	PostID       string   `json:"post_id"`
	AuthorID     string   `json:"author_id"`
	AuthorHandle string   `json:"author_handle,omitempty"`
	Text         string   `json:"text"`
	Matched      []string `json:"matched_keywords"`
	Language     string   `json:"language"`
	Hashtags     []string `json:"hashtags,omitempty"`
	Links        []string `json:"links,omitempty"`
	Translated   string   `json:"translated,omitempty"`
	SourceLang   string   `json:"source_lang,omitempty"`
	CreatedAt    int64    `json:"created_at"`
}

// Relay wraps an async Kafka writer keyed by author.
type Relay struct {
	writer *kafka.Writer
}

// New creates a relay for the given brokers and topic.
func New(brokers []string, topic string) *Relay {
	return &Relay{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.LeastBytes{},
			BatchSize:              100,
			BatchTimeout:           time.Millisecond * 100,
			Async:                  true,
			AllowAutoTopicCreation: true,
		},
	}
}

// Publish sends one enriched match record.
func (r *Relay) Publish(ctx context.Context, rec *enrich.MatchRecord) error {
	msg := Message{
		PostID:    rec.Event.ID,
		AuthorID:  rec.Event.AuthorID,
		Text:      rec.Event.Text,
		Matched:   rec.Filter.Matched,
		Language:  rec.Filter.DetectedLanguage,
		Hashtags:  rec.Filter.Hashtags,
		Links:     rec.Filter.ExternalLinks,
		CreatedAt: rec.Event.CreatedAt.UnixMilli(),
	}
	if rec.Profile != nil {
		msg.AuthorHandle = rec.Profile.Handle
	}
	if rec.Translation != nil {
		msg.Translated = rec.Translation.Text
		msg.SourceLang = rec.Translation.SourceLang
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	return r.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(rec.Event.AuthorID),
		Value: data,
	})
}

// Close flushes and closes the writer.
func (r *Relay) Close() error {
	return r.writer.Close()
}
