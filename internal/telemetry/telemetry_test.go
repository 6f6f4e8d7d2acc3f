package telemetry_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openobserve/openobserve-lambda-extension/internal/telemetry"
)

func TestDecodeEvents(t *testing.T) {
	body := `[
		{"time":"2024-01-01T00:00:00.123456Z","type":"function","record":"hello","requestId":"r1"},
		{"time":"2024-01-01T00:00:01Z","type":"platform.runtimeDone","record":{"requestId":"r1","status":"success"}}
	]`

	events, err := telemetry.DecodeEvents(strings.NewReader(body))
	require.NoError(t, err)
	require.Len(t, events, 2)

	require.Equal(t, telemetry.TypeFunction, events[0].Type)
	require.Equal(t, "r1", events[0].RequestID)
	require.JSONEq(t, `"hello"`, string(events[0].Record))

	done, ok := events[1].RuntimeDone()
	require.True(t, ok)
	require.Equal(t, "r1", done.RequestID)
	require.Equal(t, "success", done.Status)
}

func TestDecodeEventsMalformed(t *testing.T) {
	for _, body := range []string{
		``,
		`{}`,
		`[{"time":"x","type":"function","record":"hello"}`,
		`"not an array"`,
		`[1, 2]`,
	} {
		_, err := telemetry.DecodeEvents(strings.NewReader(body))
		require.Error(t, err, "body %q", body)
	}
}

func TestDecodeEventsEmptyArray(t *testing.T) {
	events, err := telemetry.DecodeEvents(strings.NewReader(`[]`))
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestNewRecordTimestamp(t *testing.T) {
	ev := telemetry.Event{
		Time:      "2024-01-01T00:00:00.123456Z",
		Type:      telemetry.TypeFunction,
		Record:    json.RawMessage(`"hello"`),
		RequestID: "r1",
	}

	record, parsed := telemetry.NewRecord(ev, time.Now())
	require.True(t, parsed)
	require.Equal(t, int64(1704067200123456), record.TimestampUS)

	b, err := json.Marshal(record)
	require.NoError(t, err)
	require.JSONEq(t, `{"_timestamp":1704067200123456,"type":"function","record":"hello","requestId":"r1"}`, string(b))
	require.Equal(t, len(b), record.SizeBytes())
}

func TestNewRecordBadTime(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	ev := telemetry.Event{
		Time:   "yesterday",
		Type:   telemetry.TypeFunction,
		Record: json.RawMessage(`"hello"`),
	}

	record, parsed := telemetry.NewRecord(ev, now)
	require.False(t, parsed)
	require.Equal(t, now.UnixMicro(), record.TimestampUS)
}

func TestNewRecordOmitsEmptyRequestID(t *testing.T) {
	record, parsed := telemetry.NewRecord(telemetry.Event{
		Time:   "2024-01-01T00:00:00Z",
		Type:   telemetry.TypeExtension,
		Record: json.RawMessage(`"line"`),
	}, time.Now())
	require.True(t, parsed)

	b, err := json.Marshal(record)
	require.NoError(t, err)
	require.NotContains(t, string(b), "requestId")
}

func TestRecordPassesThroughStructuredRecords(t *testing.T) {
	raw := json.RawMessage(`{"requestId":"r2","status":"timeout","metrics":{"durationMs":3000.17}}`)
	record, parsed := telemetry.NewRecord(telemetry.Event{
		Time:   "2024-01-01T00:00:02Z",
		Type:   telemetry.TypePlatformRuntimeDone,
		Record: raw,
	}, time.Now())
	require.True(t, parsed)

	b, err := json.Marshal(record)
	require.NoError(t, err)
	require.Contains(t, string(b), `"durationMs":3000.17`)
}

func TestLogsDropped(t *testing.T) {
	ev := telemetry.Event{
		Time:   "2024-01-01T00:00:00Z",
		Type:   telemetry.TypePlatformLogsDropped,
		Record: json.RawMessage(`{"droppedBytes":12345,"droppedRecords":123,"reason":"Consumer seems to have fallen behind"}`),
	}

	dropped, ok := ev.LogsDropped()
	require.True(t, ok)
	require.Equal(t, 123, dropped.DroppedRecords)

	_, ok = telemetry.Event{Type: telemetry.TypeFunction}.LogsDropped()
	require.False(t, ok)
}
