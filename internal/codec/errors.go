package codec

import (
	"errors"
	"fmt"
)

// Kind classifies a decode failure.
type Kind int

const (
	// MalformedEncoding means the payload is not parseable JSON.
	MalformedEncoding Kind = iota + 1
	// SchemaViolation means the payload parsed but does not describe a valid work item.
	SchemaViolation
)

func (k Kind) String() string {
	switch k {
	case MalformedEncoding:
		return "malformed_encoding"
	case SchemaViolation:
		return "schema_violation"
	default:
		return "unknown"
	}
}

// DecodeError is returned by Decode.
type DecodeError struct {
	Kind Kind
	// Field names the offending JSON field for schema violations, if known.
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("decode work item: %s (%s): %v", e.Kind, e.Field, e.Err)
	}
	return fmt.Sprintf("decode work item: %s: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Reason returns the classified, externally visible failure reason.
func (e *DecodeError) Reason() string {
	if e.Kind == MalformedEncoding {
		return "invalid JSON"
	}
	return "schema violation"
}

// KindOf reports the decode failure kind of err, or 0 if err is not a *DecodeError.
func KindOf(err error) Kind {
	var de *DecodeError
	if errors.As(err, &de) {
		return de.Kind
	}
	return 0
}
