package dlq

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// SchemaVersion identifies the DeadLetterRecord wire layout. Bump when the
// JSON shape changes in a way DLQ consumers must detect.
const SchemaVersion = "1.0"

// MessageIdentity uniquely addresses one message instance within the source
// topic. It is the key for retry tracking: two messages with the same
// identity share one retry attempt context.
type MessageIdentity struct {
	Topic     string
	Partition int32
	Offset    int64
}

// String renders the identity as topic-partition-offset, which doubles as
// the synthesized DLQ record key when the original message had none.
func (id MessageIdentity) String() string {
	return fmt.Sprintf("%s-%d-%d", id.Topic, id.Partition, id.Offset)
}

// Record is the failed message as delivered by the consumer. It is a minimal
// abstraction that keeps the subsystem decoupled from the concrete consumer
// implementation while exposing everything the DLQ record needs.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
	Headers   map[string][]byte
}

// Identity returns the retry-tracking identity for the record.
func (r *Record) Identity() MessageIdentity {
	return MessageIdentity{Topic: r.Topic, Partition: r.Partition, Offset: r.Offset}
}

// Clone returns a deep copy of the record so it can be safely shared with
// asynchronous goroutines without risking data races.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}

	clone := *r
	clone.Key = cloneBytes(r.Key)
	clone.Value = cloneBytes(r.Value)
	if len(r.Headers) > 0 {
		clone.Headers = cloneHeaders(r.Headers)
	}

	return &clone
}

// DeadLetterRecord is the enriched document published to the DLQ topic. It is
// constructed fresh per failure and never mutated afterwards.
type DeadLetterRecord struct {
	OriginalMessage    OriginalMessage    `json:"original_message"`
	ErrorInfo          ErrorInfo          `json:"error_info"`
	ProcessingMetadata ProcessingMetadata `json:"processing_metadata"`
	DLQMetadata        DLQMetadata        `json:"dlq_metadata"`
}

// OriginalMessage carries the failed message verbatim. The key travels as a
// UTF-8 string, the value hex-encoded; both are null when absent.
type OriginalMessage struct {
	Topic     string            `json:"topic"`
	Partition int32             `json:"partition"`
	Offset    int64             `json:"offset"`
	Key       *string           `json:"key"`
	Value     *string           `json:"value"`
	Headers   map[string]string `json:"headers,omitempty"`
	Timestamp int64             `json:"timestamp,omitempty"`
}

// ErrorInfo describes the failure that routed the message here.
type ErrorInfo struct {
	Type             string `json:"type"`
	Message          string `json:"message"`
	Traceback        string `json:"traceback,omitempty"`
	FailureTimestamp string `json:"failure_timestamp"`
	RetryCount       int    `json:"retry_count"`
}

// ProcessingMetadata identifies the consumer that gave up on the message.
type ProcessingMetadata struct {
	ConsumerGroupID string            `json:"consumer_group_id"`
	ProcessingHost  string            `json:"processing_host"`
	RunID           string            `json:"run_id,omitempty"`
	Extra           map[string]string `json:"extra,omitempty"`
}

// DLQMetadata pins the record to a schema version so downstream consumers
// can detect layout changes.
type DLQMetadata struct {
	SchemaVersion string `json:"schema_version"`
}

// NewDeadLetterRecord builds the enriched record for a failed message. The
// failure timestamp is rendered in ISO-8601 UTC; error message and traceback
// are truncated to the configured caps.
func NewDeadLetterRecord(rec *Record, cause error, kind ErrorKind, retryCount int, meta ProcessingMetadata, cfg Config, failedAt time.Time) DeadLetterRecord {
	orig := OriginalMessage{
		Topic:     rec.Topic,
		Partition: rec.Partition,
		Offset:    rec.Offset,
	}
	if len(rec.Key) > 0 {
		key := decodeKey(rec.Key)
		orig.Key = &key
	}
	if len(rec.Value) > 0 {
		value := hex.EncodeToString(rec.Value)
		orig.Value = &value
	}
	if cfg.IncludeHeaders && len(rec.Headers) > 0 {
		orig.Headers = make(map[string]string, len(rec.Headers))
		for k, v := range rec.Headers {
			orig.Headers[k] = string(v)
		}
	}
	if !rec.Timestamp.IsZero() {
		orig.Timestamp = rec.Timestamp.UnixMilli()
	}

	info := ErrorInfo{
		Type:             string(kind),
		Message:          truncate(errorMessage(cause), cfg.MaxErrorMessageLen),
		FailureTimestamp: failedAt.UTC().Format(time.RFC3339Nano),
		RetryCount:       retryCount,
	}
	if cfg.IncludeStackTrace {
		info.Traceback = truncate(errorChain(cause), cfg.MaxStackTraceLen)
	}

	meta.Extra = cloneStringMap(meta.Extra)

	return DeadLetterRecord{
		OriginalMessage:    orig,
		ErrorInfo:          info,
		ProcessingMetadata: meta,
		DLQMetadata:        DLQMetadata{SchemaVersion: SchemaVersion},
	}
}

func decodeKey(key []byte) string {
	if utf8.Valid(key) {
		return string(key)
	}
	return hex.EncodeToString(key)
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// errorChain renders each level of the error's unwrap chain on its own line,
// outermost first. This is the closest Go analogue to a traceback for plain
// wrapped errors.
func errorChain(err error) string {
	if err == nil {
		return ""
	}
	var b strings.Builder
	for depth := 0; err != nil; depth++ {
		if depth > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s: %s", errorType(err), err.Error())
		err = unwrapOnce(err)
	}
	return b.String()
}

func errorType(err error) string {
	return fmt.Sprintf("%T", err)
}

func unwrapOnce(err error) error {
	u, ok := err.(interface{ Unwrap() error })
	if !ok {
		return nil
	}
	return u.Unwrap()
}

func truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}

func cloneBytes(src []byte) []byte {
	if len(src) == 0 {
		return nil
	}
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}

func cloneHeaders(headers map[string][]byte) map[string][]byte {
	if len(headers) == 0 {
		return nil
	}
	clone := make(map[string][]byte, len(headers))
	for k, v := range headers {
		clone[k] = cloneBytes(v)
	}
	return clone
}

func cloneStringMap(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
