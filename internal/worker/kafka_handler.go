package worker

import (
	"context"

	"github.com/example/stream-dlq/internal/dlq"
	"github.com/example/stream-dlq/internal/kafka/consumer"
)

// KafkaHandler returns a consumer.Handler that converts Kafka consumer
// records into DLQ records and delegates processing to the supplied runner.
// The commit function bound to each record flushes its offset when the
// runner reaches a terminal outcome.
func KafkaHandler(runner *Runner, cons *consumer.Consumer) consumer.Handler {
	return func(ctx context.Context, rec *consumer.Record) error {
		if runner == nil || rec == nil {
			return nil
		}

		commit := CommitFunc(func(context.Context) error { return nil })
		if cons != nil {
			commit = func(c context.Context) error {
				return cons.Commit(c, rec)
			}
		}

		runner.HandleRecord(ctx, NewRecordFromConsumer(rec), commit)
		return nil
	}
}

// NewRecordFromConsumer constructs a DLQ record from the supplied Kafka
// consumer record. Byte slices are copied so the record can outlive the
// consumer's buffers.
func NewRecordFromConsumer(rec *consumer.Record) *dlq.Record {
	if rec == nil {
		return nil
	}

	out := &dlq.Record{
		Topic:     rec.Topic,
		Partition: rec.Partition,
		Offset:    rec.Offset,
		Timestamp: rec.Timestamp,
	}
	if len(rec.Key) > 0 {
		out.Key = append([]byte(nil), rec.Key...)
	}
	if len(rec.Value) > 0 {
		out.Value = append([]byte(nil), rec.Value...)
	}
	if len(rec.Headers) > 0 {
		out.Headers = make(map[string][]byte, len(rec.Headers))
		for k, v := range rec.Headers {
			out.Headers[k] = append([]byte(nil), v...)
		}
	}
	return out
}
