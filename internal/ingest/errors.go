package ingest

import (
	"errors"
	"fmt"

	"github.com/nerrad567/homegate/internal/topic"
)

var (
	// ErrMalformedPayload is returned for payloads that are not a JSON
	// number, boolean, string, or an object with a "value" key.
	ErrMalformedPayload = errors.New("ingest: malformed payload")

	// ErrUnsupportedKind is returned for parsed topics ingest does not consume.
	ErrUnsupportedKind = errors.New("ingest: unsupported topic kind")
)

// Error describes a rejected message. The message is dropped; nothing about
// it is stored or emitted.
type Error struct {
	Identity topic.Identity
	Reason   string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("ingest %s: %s: %v", e.Identity, e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
