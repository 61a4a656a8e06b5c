// Package stream bridges the pipeline to Kafka: normalized events in,
// verdicts out. Batches are committed only after every verdict in them has
// been produced, so a crash replays rather than drops events.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"cloudguard/pkg/decision"
	"cloudguard/pkg/event"
	"cloudguard/pkg/structlog"
)

// Config names the broker endpoints and topics.
type Config struct {
	Brokers      []string
	EventTopic   string
	VerdictTopic string
	GroupID      string
}

// Source consumes normalized events.
type Source struct {
	client *kgo.Client
	log    *structlog.Logger
}

func NewSource(cfg Config, log *structlog.Logger) (*Source, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumeTopics(cfg.EventTopic),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, fmt.Errorf("stream: create consumer: %w", err)
	}
	return &Source{client: client, log: log}, nil
}

func (s *Source) Close() { s.client.Close() }

// Poll fetches one batch of events. Records that fail to decode are logged
// and skipped; the pipeline's dedupe and data-quality counters handle the
// rest. The returned records are needed for the commit after processing.
func (s *Source) Poll(ctx context.Context) ([]event.NormalizedEvent, []*kgo.Record, error) {
	fetches := s.client.PollFetches(ctx)
	if err := fetches.Err(); err != nil {
		return nil, nil, fmt.Errorf("stream: poll: %w", err)
	}

	var events []event.NormalizedEvent
	var records []*kgo.Record
	fetches.EachPartition(func(p kgo.FetchTopicPartition) {
		for _, record := range p.Records {
			var ev event.NormalizedEvent
			if err := json.Unmarshal(record.Value, &ev); err != nil {
				s.log.Warn("skipping undecodable record", structlog.Fields{
					"topic": record.Topic, "offset": record.Offset, "error": err.Error(),
				})
				records = append(records, record)
				continue
			}
			events = append(events, ev)
			records = append(records, record)
		}
	})
	return events, records, nil
}

// Commit marks a processed batch as consumed.
func (s *Source) Commit(ctx context.Context, records []*kgo.Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := s.client.CommitRecords(ctx, records...); err != nil {
		return fmt.Errorf("stream: commit offsets: %w", err)
	}
	return nil
}

// Sink produces verdicts for the alerting layer.
type Sink struct {
	client *kgo.Client
	topic  string
	log    *structlog.Logger
}

func NewSink(cfg Config, log *structlog.Logger) (*Sink, error) {
	client, err := kgo.NewClient(kgo.SeedBrokers(cfg.Brokers...))
	if err != nil {
		return nil, fmt.Errorf("stream: create producer: %w", err)
	}
	return &Sink{client: client, topic: cfg.VerdictTopic, log: log}, nil
}

func (s *Sink) Close() { s.client.Close() }

// Publish produces the batch's verdicts in input order. Keying by entity
// keeps one entity's verdicts in one partition.
func (s *Sink) Publish(ctx context.Context, verdicts []decision.Verdict) error {
	records := make([]*kgo.Record, len(verdicts))
	for i, v := range verdicts {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("stream: encode verdict %s: %w", v.EventID, err)
		}
		records[i] = &kgo.Record{
			Topic:     s.topic,
			Key:       []byte(v.EntityID),
			Value:     data,
			Timestamp: time.Now(),
		}
	}
	if err := s.client.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return fmt.Errorf("stream: publish verdicts: %w", err)
	}
	return nil
}
