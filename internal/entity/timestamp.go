package entity

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// secondsCutoff separates epoch seconds from epoch milliseconds. Anything
// below it is read as seconds (1e11 ms is 1973, 1e11 s is year 5138).
const secondsCutoff = 1e11

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// Timestamp is an epoch-millisecond instant.
type Timestamp int64

func TimestampOf(t time.Time) Timestamp {
	return Timestamp(t.UnixMilli())
}

func (t Timestamp) Time() time.Time {
	return time.UnixMilli(int64(t)).UTC()
}

func (t Timestamp) IsZero() bool {
	return t == 0
}

// UnmarshalJSON accepts epoch seconds, epoch milliseconds, numeric strings and
// ISO-8601 strings. Unparsable values become the current time.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	*t = NormalizeTimestamp(raw, time.Now())
	return nil
}

// NormalizeTimestamp converts any supported representation to milliseconds.
// It fails open: nil, empty and unparsable inputs normalize to now.
func NormalizeTimestamp(raw any, now time.Time) Timestamp {
	switch typed := raw.(type) {
	case nil:
		return TimestampOf(now)
	case Timestamp:
		return typed
	case time.Time:
		if typed.IsZero() {
			return TimestampOf(now)
		}
		return TimestampOf(typed)
	case string:
		return parseTimestampString(typed, now)
	}
	if f, ok := toFloat(raw); ok {
		return fromNumber(f, now)
	}
	return TimestampOf(now)
}

func parseTimestampString(raw string, now time.Time) Timestamp {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return TimestampOf(now)
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return fromNumber(f, now)
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return TimestampOf(parsed)
		}
	}
	return TimestampOf(now)
}

func fromNumber(f float64, now time.Time) Timestamp {
	if math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
		return TimestampOf(now)
	}
	if f < secondsCutoff {
		return Timestamp(int64(f * 1000))
	}
	return Timestamp(int64(f))
}
