package feed

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/buger/jsonparser"
	"github.com/google/uuid"

	"github.com/wikimedia/analytics-abacist/internal/domain"
)

// ErrFiltered is returned for well-formed capsules of another schema or
// web host. They are skipped without a warning.
var ErrFiltered = errors.New("event filtered")

// Decoder turns EventLogging capsules into page views. Empty Schema or
// WebHost accept any value.
type Decoder struct {
	Schema  string
	WebHost string
}

// Decode parses one capsule:
//
//	{"schema": "...", "webHost": "...", "timestamp": 1700000000,
//	 "uuid": "...", "event": {"requestUrl": "...", "referrerUrl": "..."}}
func (d Decoder) Decode(data []byte) (domain.PageView, error) {
	if err := d.filter(data, "schema", d.Schema); err != nil {
		return domain.PageView{}, err
	}
	if err := d.filter(data, "webHost", d.WebHost); err != nil {
		return domain.PageView{}, err
	}

	ts, err := parseTimestamp(data)
	if err != nil {
		return domain.PageView{}, err
	}

	requestURL, err := jsonparser.GetString(data, "event", "requestUrl")
	if err != nil {
		return domain.PageView{}, fmt.Errorf("%w: event.requestUrl: %v", domain.ErrMalformedEvent, err)
	}

	pv := domain.PageView{
		ID:         parseID(data),
		Timestamp:  ts,
		RequestURL: requestURL,
	}

	vdata, vtype, _, err := jsonparser.Get(data, "event", "referrerUrl")
	if err == nil && vtype == jsonparser.String {
		ref, err := jsonparser.ParseString(vdata)
		if err != nil {
			return domain.PageView{}, fmt.Errorf("%w: event.referrerUrl: %v", domain.ErrMalformedEvent, err)
		}
		pv.ReferrerURL = &ref
	}
	return pv, nil
}

func (d Decoder) filter(data []byte, key, want string) error {
	if want == "" {
		return nil
	}
	got, err := jsonparser.GetString(data, key)
	if err != nil {
		if errors.Is(err, jsonparser.KeyPathNotFoundError) {
			return fmt.Errorf("%w: %s missing", ErrFiltered, key)
		}
		return fmt.Errorf("%w: %s: %v", domain.ErrMalformedEvent, key, err)
	}
	if got != want {
		return fmt.Errorf("%w: %s=%q", ErrFiltered, key, got)
	}
	return nil
}

// parseTimestamp accepts a JSON number or a numeric string and floors
// fractional seconds.
func parseTimestamp(data []byte) (time.Time, error) {
	vdata, vtype, _, err := jsonparser.Get(data, "timestamp")
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp: %v", domain.ErrMalformedEvent, err)
	}

	var f float64
	switch vtype {
	case jsonparser.Number:
		f, err = jsonparser.ParseFloat(vdata)
	case jsonparser.String:
		f, err = strconv.ParseFloat(string(vdata), 64)
	default:
		return time.Time{}, fmt.Errorf("%w: timestamp is %s", domain.ErrMalformedEvent, vtype)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp: %v", domain.ErrMalformedEvent, err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 || f > math.MaxInt64/2 {
		return time.Time{}, fmt.Errorf("%w: timestamp %v out of range", domain.ErrMalformedEvent, f)
	}
	return time.Unix(int64(math.Floor(f)), 0).UTC(), nil
}

func parseID(data []byte) uuid.UUID {
	s, err := jsonparser.GetString(data, "uuid")
	if err == nil {
		if id, err := uuid.Parse(s); err == nil {
			return id
		}
	}
	return uuid.New()
}
