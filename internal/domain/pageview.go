package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrMalformedEvent marks an event that can never be counted. Such events
// are dropped rather than retried.
var ErrMalformedEvent = errors.New("malformed event")

// Field identifies a counted value of a page view and the key prefix its
// buckets live under.
type Field struct {
	Name   string // name in the event payload
	Prefix string // counter key prefix
}

var (
	FieldRequestURL  = Field{Name: "requestUrl", Prefix: "hits"}
	FieldReferrerURL = Field{Name: "referrerUrl", Prefix: "referrers"}
)

// PageView is a decoded visit event.
type PageView struct {
	ID        uuid.UUID // log correlation only; events are not deduplicated
	Timestamp time.Time // whole seconds, UTC

	RequestURL  string
	ReferrerURL *string // nil when the visit carried no referrer
}

// CountedValue is one value of a page view that gets counted.
type CountedValue struct {
	Field Field
	Value string
}

// Counted returns the present, non-empty values of v in field order.
func (v PageView) Counted() []CountedValue {
	out := make([]CountedValue, 0, 2)
	if v.RequestURL != "" {
		out = append(out, CountedValue{Field: FieldRequestURL, Value: v.RequestURL})
	}
	if v.ReferrerURL != nil && *v.ReferrerURL != "" {
		out = append(out, CountedValue{Field: FieldReferrerURL, Value: *v.ReferrerURL})
	}
	return out
}

// Validate reports ErrMalformedEvent if v has no usable timestamp or
// nothing to count. A zero Timestamp predates the Unix epoch and is
// rejected like any other negative one.
func (v PageView) Validate() error {
	if v.Timestamp.Unix() < 0 {
		return fmt.Errorf("%w: timestamp missing or negative", ErrMalformedEvent)
	}
	if len(v.Counted()) == 0 {
		return fmt.Errorf("%w: no countable fields", ErrMalformedEvent)
	}
	return nil
}
