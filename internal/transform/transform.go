// Package transform maps decoded GELF messages onto the backend document
// schema. Everything here is pure: no I/O, no clock reads, no shared mutable
// state, so the same RawMessage always yields the same NormalizedRecord.
package transform

import (
	"gelfrelay/internal/types"
)

// GELF attribute names read by the transformer. Underscore-prefixed names
// are the custom fields added by the Docker GELF log driver.
const (
	FieldTimestamp     = "timestamp"
	FieldLevel         = "level"
	FieldShortMessage  = "short_message"
	FieldCommand       = "_command"
	FieldCreated       = "_created"
	FieldContainerID   = "_container_id"
	FieldContainerName = "_container_name"
	FieldImageID       = "_image_id"
	FieldImageName     = "_image_name"
	FieldTag           = "_tag"
)

// Transformer builds NormalizedRecords. The zero value is not usable; call New.
type Transformer struct {
	images *ImageParser
}

// New creates a Transformer that parses image references with images. A nil
// parser selects the shared default.
func New(images *ImageParser) *Transformer {
	if images == nil {
		images = DefaultImageParser()
	}
	return &Transformer{images: images}
}

// Transform normalizes raw into a backend document stamped with the relay's
// host identity and address. Any missing or ill-typed field, unknown level or
// unparseable image reference is returned as a MalformedRecordError.
func (t *Transformer) Transform(raw types.RawMessage, hostIdentity, hostAddress string) (*types.NormalizedRecord, error) {
	tsNum, err := raw.Number(FieldTimestamp)
	if err != nil {
		return nil, err
	}
	ts, err := ParseEpoch(tsNum)
	if err != nil {
		return nil, err
	}

	levelNum, err := raw.Number(FieldLevel)
	if err != nil {
		return nil, err
	}
	level, err := parseLevel(levelNum)
	if err != nil {
		return nil, err
	}

	var f fields
	f.read(raw, FieldShortMessage)
	f.read(raw, FieldCommand)
	f.read(raw, FieldCreated)
	f.read(raw, FieldContainerID)
	f.read(raw, FieldContainerName)
	f.read(raw, FieldImageID)
	f.read(raw, FieldImageName)
	f.read(raw, FieldTag)
	if f.err != nil {
		return nil, f.err
	}

	img, err := t.images.Parse(f.get(FieldImageName))
	if err != nil {
		return nil, err
	}

	return &types.NormalizedRecord{
		Command:          f.get(FieldCommand),
		ContainerCreated: f.get(FieldCreated),
		ContainerID:      f.get(FieldContainerID),
		ContainerName:    f.get(FieldContainerName),
		Host:             hostIdentity,
		HostAddr:         hostAddress,
		ImageID:          f.get(FieldImageID),
		ImageName:        f.get(FieldImageName),
		ImageRepo:        img.Repo,
		ImageTag:         img.Name,
		ImageVersion:     img.Version,
		Level:            level,
		Message:          f.get(FieldShortMessage),
		Tag:              f.get(FieldTag),
		Timestamp:        FormatTimestamp(ts),
		Time:             ts,
	}, nil
}

// fields collects required string fields, keeping the first error.
type fields struct {
	values map[string]string
	err    error
}

func (f *fields) read(raw types.RawMessage, key string) {
	if f.err != nil {
		return
	}
	v, err := raw.String(key)
	if err != nil {
		f.err = err
		return
	}
	if f.values == nil {
		f.values = make(map[string]string, 8)
	}
	f.values[key] = v
}

func (f *fields) get(key string) string {
	return f.values[key]
}
