package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var errProducerNotInitialised = errors.New("dlq publisher: producer not initialised")

// SyncProducer captures the subset of producer behaviour the publisher
// requires: a publish that is confirmed by the broker (acks from all in-sync
// replicas) before returning, bounded by the supplied context.
type SyncProducer interface {
	PublishSync(ctx context.Context, topic string, key []byte, headers map[string][]byte, payload []byte) error
}

// ErrProducerNotInitialised exposes the sentinel error for callers and tests.
func ErrProducerNotInitialised() error {
	return errProducerNotInitialised
}

// Publisher builds enriched DeadLetterRecords and publishes them to the DLQ
// topic derived from the source topic. Publish failures are expected
// operational events: they are returned as values, never panics, and the
// coordinator turns them into a loud publish-failed outcome.
type Publisher struct {
	producer SyncProducer
	cfg      Config
	groupID  string
	host     string
	runID    string
	meta     map[string]string
	logger   zerolog.Logger
	now      func() time.Time
}

// NewPublisher constructs a Publisher. The metadata map is free-form
// enrichment (job/asset identifiers) echoed into every record's
// processing_metadata block; a fresh run identifier is generated per
// publisher instance.
func NewPublisher(prod SyncProducer, cfg Config, groupID string, meta map[string]string, logger zerolog.Logger) *Publisher {
	if prod == nil {
		return nil
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	host, _ := os.Hostname()
	return &Publisher{
		producer: prod,
		cfg:      cfg,
		groupID:  groupID,
		host:     host,
		runID:    uuid.NewString(),
		meta:     cloneStringMap(meta),
		logger:   logger,
		now:      time.Now,
	}
}

// TopicFor derives the DLQ topic for the supplied source topic.
func (p *Publisher) TopicFor(sourceTopic string) string {
	return p.cfg.TopicFor(sourceTopic)
}

// Publish constructs the DeadLetterRecord for the failed message and writes
// it durably to the DLQ topic. The original message key is reused when
// present so DLQ ordering per original key is preserved; otherwise a key is
// synthesized from the message identity. The write must be confirmed within
// the configured publish timeout or it is a failure, not a silent success.
func (p *Publisher) Publish(ctx context.Context, rec *Record, cause error, kind ErrorKind, retryCount int) error {
	if p == nil || p.producer == nil {
		return errProducerNotInitialised
	}
	if rec == nil {
		return errors.New("dlq publisher: record is required")
	}

	failedAt := p.now()
	dlr := NewDeadLetterRecord(rec, cause, kind, retryCount, ProcessingMetadata{
		ConsumerGroupID: p.groupID,
		ProcessingHost:  p.host,
		RunID:           p.runID,
		Extra:           p.meta,
	}, p.cfg, failedAt)

	payload, err := json.Marshal(dlr)
	if err != nil {
		return fmt.Errorf("dlq publisher: marshal dead letter record: %w", err)
	}

	key := rec.Key
	if len(key) == 0 {
		key = []byte(rec.Identity().String())
	}

	// Transport-level headers let DLQ consumers filter without parsing the
	// body.
	headers := map[string][]byte{
		"content-type":       []byte("application/json"),
		"dlq-original-topic": []byte(rec.Topic),
		"dlq-error-type":     []byte(kind),
		"dlq-retry-count":    []byte(strconv.Itoa(retryCount)),
		"dlq-timestamp":      []byte(failedAt.UTC().Format(time.RFC3339Nano)),
	}

	if p.cfg.PublishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.PublishTimeout)
		defer cancel()
	}

	topic := p.TopicFor(rec.Topic)
	if err := p.producer.PublishSync(ctx, topic, cloneBytes(key), headers, payload); err != nil {
		return fmt.Errorf("dlq publisher: publish to %s: %w", topic, err)
	}

	p.logger.Debug().
		Str("topic", topic).
		Str("error_type", string(kind)).
		Int("retry_count", retryCount).
		Int64("offset", rec.Offset).
		Msg("dlq record published")
	return nil
}
