package dlq

import "strings"

// ErrorKind is the closed set of failure categories the subsystem reasons
// about. The string values double as the wire-level error_info.type names.
type ErrorKind string

const (
	ErrorKindDeserialization ErrorKind = "deserialization_error"
	ErrorKindSchema          ErrorKind = "schema_error"
	ErrorKindProcessing      ErrorKind = "processing_error"
	ErrorKindConnection      ErrorKind = "connection_error"
	ErrorKindTimeout         ErrorKind = "timeout_error"
	ErrorKindUnknown         ErrorKind = "unknown_error"
)

func (k ErrorKind) valid() bool {
	switch k {
	case ErrorKindDeserialization, ErrorKindSchema, ErrorKindProcessing,
		ErrorKindConnection, ErrorKindTimeout, ErrorKindUnknown:
		return true
	}
	return false
}

// Classifier maps a caught error, plus the failed record when available, to
// an ErrorKind. Implementations report ok=false when they cannot produce a
// usable classification so the built-in classifier can take over.
type Classifier interface {
	Classify(err error, rec *Record) (ErrorKind, bool)
}

// ClassifierFunc adapts a plain function to the Classifier interface.
type ClassifierFunc func(err error, rec *Record) (ErrorKind, bool)

// Classify implements Classifier.
func (f ClassifierFunc) Classify(err error, rec *Record) (ErrorKind, bool) {
	return f(err, rec)
}

// Keyword tables for the built-in classifier. Evaluation order matters:
// categories overlap ("failed to deserialize schema" must classify as
// deserialization, not schema), so the groups are checked in a fixed order
// and the first match wins.
var classifierRules = []struct {
	kind     ErrorKind
	keywords []string
}{
	{ErrorKindDeserialization, []string{"deserialize", "decode", "parse"}},
	{ErrorKindSchema, []string{"schema", "avro", "protobuf", "json", "validation", "compatibility", "descriptor"}},
	{ErrorKindConnection, []string{"connection", "network", "broker"}},
	{ErrorKindTimeout, []string{"timeout", "timed out"}},
	{ErrorKindProcessing, []string{"processing"}},
}

// ClassifyError runs the built-in keyword classifier against the error
// message text. It never fails: anything unrecognised degrades to
// ErrorKindUnknown, including a nil error.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return ErrorKindUnknown
	}
	msg := strings.ToLower(err.Error())
	for _, rule := range classifierRules {
		for _, kw := range rule.keywords {
			if strings.Contains(msg, kw) {
				return rule.kind
			}
		}
	}
	return ErrorKindUnknown
}

// classify consults the optional custom classifier first and falls back to
// the built-in rules when it declines, misbehaves, or returns an unknown
// kind. Classification failures never propagate to the caller.
func classify(custom Classifier, err error, rec *Record) (kind ErrorKind) {
	defer func() {
		if r := recover(); r != nil {
			kind = ClassifyError(err)
		}
	}()

	if custom != nil {
		if k, ok := custom.Classify(err, rec); ok && k.valid() {
			return k
		}
	}
	return ClassifyError(err)
}
