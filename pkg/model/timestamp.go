package model

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Timestamp is a point in time as emitted by the server. The backend has no
// single wire format: REST endpoints send ISO local date-times without a zone,
// push payloads sometimes carry epoch milliseconds, and some serializers emit
// the array form [year, month, day, hour, minute, second, nanos].
//
// The zero Timestamp means "no timestamp". A string in an unknown format
// decodes to the zero Timestamp so the surrounding payload survives.
type Timestamp struct {
	time.Time
}

// zonedLayouts cover offsets written without a colon, e.g. +0700.
var zonedLayouts = []string{
	"2006-01-02T15:04:05.999999999-0700",
	"2006-01-02T15:04:05-0700",
}

var localLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t}
}

// ParseTimestamp parses the string forms. Zone-less values are taken as UTC.
func ParseTimestamp(s string) (Timestamp, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Timestamp{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return Timestamp{Time: t}, nil
	}
	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Timestamp{Time: t}, nil
		}
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return Timestamp{Time: t}, nil
		}
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Timestamp{Time: time.UnixMilli(ms).UTC()}, nil
	}
	return Timestamp{}, errors.Errorf("unrecognized timestamp %q", s)
}

// Millis returns the epoch milliseconds, or 0 for the zero Timestamp.
func (t Timestamp) Millis() int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*t = Timestamp{}
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := ParseTimestamp(s)
		if err != nil {
			log.Warn().Err(err).Str("component", "model").Msg("ignoring timestamp")
			parsed = Timestamp{}
		}
		*t = parsed
		return nil
	case '[':
		var parts []int
		if err := json.Unmarshal(data, &parts); err != nil {
			return errors.Wrap(err, "timestamp array")
		}
		if len(parts) < 3 {
			return errors.Errorf("timestamp array too short: %v", parts)
		}
		for len(parts) < 7 {
			parts = append(parts, 0)
		}
		*t = Timestamp{Time: time.Date(parts[0], time.Month(parts[1]), parts[2], parts[3], parts[4], parts[5], parts[6], time.UTC)}
		return nil
	default:
		var ms int64
		if err := json.Unmarshal(data, &ms); err != nil {
			return errors.Wrap(err, "timestamp number")
		}
		*t = Timestamp{Time: time.UnixMilli(ms).UTC()}
		return nil
	}
}

// Clock returns "15:04" in local time, or "" for the zero Timestamp.
func (t Timestamp) Clock() string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format("15:04")
}

// Full returns "15:04 02/01" in local time, or "" for the zero Timestamp.
func (t Timestamp) Full() string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format("15:04 02/01")
}
