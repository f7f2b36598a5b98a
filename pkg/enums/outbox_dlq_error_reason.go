package enums

import "fmt"

// OutboxDLQErrorReason records why the relay gave up on an outbox record.
type OutboxDLQErrorReason string

const (
	// OutboxDLQReasonNonRetryable covers failures flagged permanent by the
	// publisher itself.
	OutboxDLQReasonNonRetryable     OutboxDLQErrorReason = "non_retryable"
	OutboxDLQReasonUnknownKind      OutboxDLQErrorReason = "unknown_kind"
	OutboxDLQReasonRecordMismatch   OutboxDLQErrorReason = "record_mismatch"
	OutboxDLQReasonMalformedPayload OutboxDLQErrorReason = "malformed_payload"
)

var validOutboxDLQErrorReasons = []OutboxDLQErrorReason{
	OutboxDLQReasonNonRetryable,
	OutboxDLQReasonUnknownKind,
	OutboxDLQReasonRecordMismatch,
	OutboxDLQReasonMalformedPayload,
}

func (r OutboxDLQErrorReason) String() string {
	return string(r)
}

func (r OutboxDLQErrorReason) IsValid() bool {
	for _, candidate := range validOutboxDLQErrorReasons {
		if candidate == r {
			return true
		}
	}
	return false
}

// ParseOutboxDLQErrorReason converts raw input, e.g. a query filter, into a reason.
func ParseOutboxDLQErrorReason(value string) (OutboxDLQErrorReason, error) {
	for _, candidate := range validOutboxDLQErrorReasons {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid outbox dlq reason %q", value)
}
