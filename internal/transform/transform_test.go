package transform

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gelfrelay/internal/types"
)

func sampleMessage() types.RawMessage {
	return types.RawMessage{
		"version":         "1.1",
		"host":            "docker-01",
		"timestamp":       json.Number("1700000000"),
		"level":           json.Number("3"),
		"short_message":   "connection refused",
		"_command":        "/app/server --port 8080",
		"_created":        "2023-11-14T20:00:00.000000000Z",
		"_container_id":   "0123456789ab",
		"_container_name": "web-1",
		"_image_id":       "sha256:deadbeef",
		"_image_name":     "myrepo/app:1.2",
		"_tag":            "web",
	}
}

func TestTransform_EndToEndScenario(t *testing.T) {
	rec, err := New(nil).Transform(sampleMessage(), "i-0abc", "10.1.2.3")
	require.NoError(t, err)

	assert.Equal(t, "myrepo", rec.ImageRepo)
	assert.Equal(t, "app", rec.ImageTag)
	assert.Equal(t, "1.2", rec.ImageVersion)
	assert.Equal(t, "error", rec.Level)
	assert.Equal(t, "2023-11-14", rec.IndexDate())
	assert.Equal(t, "2023-11-14T22:13:20.000000Z", rec.Timestamp)

	assert.Equal(t, "/app/server --port 8080", rec.Command)
	assert.Equal(t, "2023-11-14T20:00:00.000000000Z", rec.ContainerCreated)
	assert.Equal(t, "0123456789ab", rec.ContainerID)
	assert.Equal(t, "web-1", rec.ContainerName)
	assert.Equal(t, "i-0abc", rec.Host)
	assert.Equal(t, "10.1.2.3", rec.HostAddr)
	assert.Equal(t, "sha256:deadbeef", rec.ImageID)
	assert.Equal(t, "myrepo/app:1.2", rec.ImageName)
	assert.Equal(t, "connection refused", rec.Message)
	assert.Equal(t, "web", rec.Tag)
}

func TestTransform_Deterministic(t *testing.T) {
	tr := New(nil)

	first, err := tr.Transform(sampleMessage(), "host", "addr")
	require.NoError(t, err)
	a, err := json.Marshal(first)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		rec, err := tr.Transform(sampleMessage(), "host", "addr")
		require.NoError(t, err)
		b, err := json.Marshal(rec)
		require.NoError(t, err)
		assert.Equal(t, string(a), string(b))
		assert.Equal(t, first.IndexDate(), rec.IndexDate())
	}
}

func TestTransform_IgnoresUnknownFields(t *testing.T) {
	msg := sampleMessage()
	msg["_extra"] = "ignored"
	msg["full_message"] = "stack trace"

	_, err := New(nil).Transform(msg, "", "")
	assert.NoError(t, err)
}

func TestTransform_MissingFields(t *testing.T) {
	required := []string{
		FieldTimestamp, FieldLevel, FieldShortMessage, FieldCommand, FieldCreated,
		FieldContainerID, FieldContainerName, FieldImageID, FieldImageName, FieldTag,
	}

	for _, key := range required {
		t.Run(key, func(t *testing.T) {
			msg := sampleMessage()
			delete(msg, key)

			rec, err := New(nil).Transform(msg, "", "")
			require.Error(t, err)
			assert.Nil(t, rec)
			assert.True(t, types.IsMalformedRecordError(err))
			assert.Equal(t, types.ErrCodeMalformedMissingField, types.CodeOf(err))
		})
	}
}

func TestTransform_WrongTypes(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value any
		code  types.ErrorCode
	}{
		{"numeric tag", FieldTag, json.Number("5"), types.ErrCodeMalformedFieldType},
		{"string level", FieldLevel, "error", types.ErrCodeMalformedFieldType},
		{"string timestamp", FieldTimestamp, "2023-11-14", types.ErrCodeMalformedFieldType},
		{"level out of range", FieldLevel, json.Number("8"), types.ErrCodeMalformedUnknownLevel},
		{"negative level", FieldLevel, json.Number("-1"), types.ErrCodeMalformedUnknownLevel},
		{"fractional level", FieldLevel, json.Number("3.5"), types.ErrCodeMalformedUnknownLevel},
		{"empty image", FieldImageName, "", types.ErrCodeMalformedImage},
		{"huge timestamp", FieldTimestamp, json.Number("99999999999999"), types.ErrCodeMalformedTimestamp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := sampleMessage()
			msg[tt.key] = tt.value

			_, err := New(nil).Transform(msg, "", "")
			require.Error(t, err)
			assert.Equal(t, tt.code, types.CodeOf(err))
			assert.True(t, types.IsMalformedRecordError(err))
		})
	}
}

func TestTransform_IntegralFloatLevel(t *testing.T) {
	msg := sampleMessage()
	msg[FieldLevel] = json.Number("6.0")

	rec, err := New(nil).Transform(msg, "", "")
	require.NoError(t, err)
	assert.Equal(t, "info", rec.Level)
}

func TestTransform_IndexDateFollowsMessageTime(t *testing.T) {
	msg := sampleMessage()
	// 2023-12-31T23:59:59.999Z
	msg[FieldTimestamp] = json.Number("1704067199.999")

	rec, err := New(nil).Transform(msg, "", "")
	require.NoError(t, err)
	assert.Equal(t, "2023-12-31", rec.IndexDate())
	assert.Equal(t, "2023-12-31T23:59:59.999000Z", rec.Timestamp)
	assert.Equal(t, time.UTC, rec.Time.Location())
}
