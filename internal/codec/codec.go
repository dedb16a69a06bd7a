// Package codec decodes broker and HTTP payloads into validated work items.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// WorkItem is a decoded, validated unit of email-send work. It is treated as
// immutable once Decode returns it.
type WorkItem struct {
	To       string         `json:"to" validate:"required,email"`
	Subject  string         `json:"subject" validate:"required"`
	Template string         `json:"template" validate:"required"`
	Context  map[string]any `json:"context"`
}

// payload mirrors the wire format. Pointer fields distinguish an absent key
// from a present one so that presence can be validated explicitly.
type payload struct {
	To       *string         `json:"to"`
	Subject  *string         `json:"subject"`
	Template *string         `json:"template"`
	Context  json.RawMessage `json:"context"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Decode parses raw bytes into a WorkItem.
//
// "to", "subject" and "template" are required and must be non-empty; "to"
// must be a valid address. "context" is optional: when absent or null it
// defaults to an empty map, and when present it must be a JSON object.
// Unknown fields are ignored.
//
// Failures are returned as *DecodeError with Kind MalformedEncoding when the
// bytes are not a single JSON value, and SchemaViolation otherwise.
func Decode(raw []byte) (WorkItem, error) {
	var p payload
	if err := decodeStrict(raw, &p); err != nil {
		return WorkItem{}, classify(err)
	}

	item := WorkItem{
		To:       deref(p.To),
		Subject:  deref(p.Subject),
		Template: deref(p.Template),
		Context:  map[string]any{},
	}

	if len(p.Context) > 0 && !bytes.Equal(bytes.TrimSpace(p.Context), []byte("null")) {
		ctx := map[string]any{}
		if err := decodeStrict(p.Context, &ctx); err != nil {
			return WorkItem{}, &DecodeError{Kind: SchemaViolation, Field: "context", Err: err}
		}
		item.Context = ctx
	}

	if err := validate.Struct(item); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return WorkItem{}, &DecodeError{
				Kind:  SchemaViolation,
				Field: fe.Field(),
				Err:   fmt.Errorf("failed %q rule", fe.Tag()),
			}
		}
		return WorkItem{}, &DecodeError{Kind: SchemaViolation, Err: err}
	}

	return item, nil
}

// Encode serializes the modeled fields of a WorkItem back to JSON.
func Encode(item WorkItem) ([]byte, error) {
	if item.Context == nil {
		item.Context = map[string]any{}
	}
	data, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("encode work item: %w", err)
	}
	return data, nil
}

// decodeStrict decodes exactly one JSON value from raw, keeping numbers as
// json.Number so that context values survive a re-encode unchanged.
func decodeStrict(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return &json.SyntaxError{Offset: dec.InputOffset()}
	}
	return nil
}

func classify(err error) *DecodeError {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return &DecodeError{Kind: SchemaViolation, Field: typeErr.Field, Err: err}
	}
	return &DecodeError{Kind: MalformedEncoding, Err: err}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
