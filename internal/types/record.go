package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// IndexDateLayout is the layout of the UTC date suffix appended to the
// backend index name.
const IndexDateLayout = "2006-01-02"

// TimestampLayout is the ISO-8601 UTC representation written into
// NormalizedRecord.Timestamp. Microsecond precision matches what the GELF
// float timestamp can carry.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// RawMessage is a decoded GELF payload: an untyped field bag keyed by the
// GELF attribute names (timestamp, level, short_message, _container_id, ...).
// Numbers are held as json.Number so the timestamp keeps its textual precision.
type RawMessage map[string]any

// String returns the string field at key. A missing key or a non-string
// value is a MalformedRecordError.
func (m RawMessage) String(key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", NewAppErrorWithDetails(ErrCodeMalformedMissingField,
			fmt.Sprintf("missing required field %q", key), nil,
			map[string]any{"field": key})
	}
	s, ok := v.(string)
	if !ok {
		return "", NewAppErrorWithDetails(ErrCodeMalformedFieldType,
			fmt.Sprintf("field %q must be a string, got %T", key, v), nil,
			map[string]any{"field": key})
	}
	return s, nil
}

// Number returns the numeric field at key in its original decimal text.
func (m RawMessage) Number(key string) (json.Number, error) {
	v, ok := m[key]
	if !ok {
		return "", NewAppErrorWithDetails(ErrCodeMalformedMissingField,
			fmt.Sprintf("missing required field %q", key), nil,
			map[string]any{"field": key})
	}
	switch n := v.(type) {
	case json.Number:
		return n, nil
	case float64:
		return json.Number(fmt.Sprintf("%v", n)), nil
	default:
		return "", NewAppErrorWithDetails(ErrCodeMalformedFieldType,
			fmt.Sprintf("field %q must be a number, got %T", key, v), nil,
			map[string]any{"field": key})
	}
}

// ImageReference is the parsed form of a container image name
// "[repo/]name[:version]".
type ImageReference struct {
	Repo    string
	Name    string
	Version string
}

// NormalizedRecord is the document delivered to the backend. It is built once
// by the transformer and never mutated afterwards; the delivery task that
// created it owns it until it is delivered or dropped.
type NormalizedRecord struct {
	Command          string `json:"command"`
	ContainerCreated string `json:"container_created"`
	ContainerID      string `json:"container_id"`
	ContainerName    string `json:"container_name"`
	Host             string `json:"host"`
	HostAddr         string `json:"host_addr"`
	ImageID          string `json:"image_id"`
	ImageName        string `json:"image_name"`
	ImageRepo        string `json:"image_repo"`
	ImageTag         string `json:"image_tag"`
	ImageVersion     string `json:"image_version"`
	Level            string `json:"level"`
	Message          string `json:"message"`
	Tag              string `json:"tag"`
	Timestamp        string `json:"timestamp"`

	// Time is the message's own timestamp in UTC. It is the only input to
	// IndexDate, so retries of a record always target the same index.
	Time time.Time `json:"-"`
}

// IndexDate returns the UTC date suffix of the record's destination index.
func (r *NormalizedRecord) IndexDate() string {
	return r.Time.UTC().Format(IndexDateLayout)
}
