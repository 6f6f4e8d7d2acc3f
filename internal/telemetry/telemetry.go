// Package telemetry defines the Lambda Telemetry API event schema consumed by
// the receiver and the normalized record form shipped to the sink.
package telemetry

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Event types delivered on the telemetry stream.
// https://docs.aws.amazon.com/lambda/latest/dg/telemetry-schema-reference.html
const (
	// TypeFunction is a log line from function code.
	TypeFunction = "function"
	// TypeExtension is a log line from extension code.
	TypeExtension = "extension"
	// TypePlatformRuntimeDone is emitted when the runtime finished processing an invocation.
	TypePlatformRuntimeDone = "platform.runtimeDone"
	// TypePlatformLogsDropped is emitted when lambda dropped log entries.
	TypePlatformLogsDropped = "platform.logsDropped"
)

// Event is one element of the JSON array Lambda POSTs to the subscribed listener.
// Record is kept raw: the extension forwards it verbatim and only inspects the
// few platform records the flushing policy cares about.
type Event struct {
	Time      string          `json:"time"`
	Type      string          `json:"type"`
	Record    json.RawMessage `json:"record"`
	RequestID string          `json:"requestId,omitempty"`
}

// RuntimeDoneRecord is the record payload of a platform.runtimeDone event.
type RuntimeDoneRecord struct {
	RequestID string `json:"requestId"`
	Status    string `json:"status"`
}

// RuntimeDone decodes the record of a platform.runtimeDone event.
func (e Event) RuntimeDone() (RuntimeDoneRecord, bool) {
	if e.Type != TypePlatformRuntimeDone {
		return RuntimeDoneRecord{}, false
	}
	record := RuntimeDoneRecord{}
	if err := json.Unmarshal(e.Record, &record); err != nil {
		return RuntimeDoneRecord{}, false
	}

	return record, true
}

// LogsDroppedRecord is the record payload of a platform.logsDropped event.
type LogsDroppedRecord struct {
	DroppedBytes   int    `json:"droppedBytes"`
	DroppedRecords int    `json:"droppedRecords"`
	Reason         string `json:"reason"`
}

// LogsDropped decodes the record of a platform.logsDropped event.
func (e Event) LogsDropped() (LogsDroppedRecord, bool) {
	if e.Type != TypePlatformLogsDropped {
		return LogsDroppedRecord{}, false
	}
	record := LogsDroppedRecord{}
	if err := json.Unmarshal(e.Record, &record); err != nil {
		return LogsDroppedRecord{}, false
	}

	return record, true
}

// Record is the normalized form shipped to the sink: the incoming time field is
// replaced with _timestamp in integer microseconds, everything else passes
// through verbatim.
type Record struct {
	TimestampUS int64           `json:"_timestamp"`
	Type        string          `json:"type"`
	Record      json.RawMessage `json:"record"`
	RequestID   string          `json:"requestId,omitempty"`

	size int
}

// NewRecord normalizes an Event. The boolean reports whether the event time
// parsed; on failure the record is stamped with now instead.
func NewRecord(ev Event, now time.Time) (Record, bool) {
	ts, err := time.Parse(time.RFC3339Nano, ev.Time)
	parsed := err == nil
	if !parsed {
		ts = now
	}

	r := Record{
		TimestampUS: ts.UnixMicro(),
		Type:        ev.Type,
		Record:      ev.Record,
		RequestID:   ev.RequestID,
	}
	if b, err := json.Marshal(r); err == nil {
		r.size = len(b)
	}

	return r, parsed
}

// SizeBytes is the serialized size of the record, used for buffer accounting.
func (r Record) SizeBytes() int {
	return r.size
}

// DecodeEvents consumes a JSON array of telemetry events token by token, so a
// malformed tail fails without allocating the whole body twice.
func DecodeEvents(r io.Reader) ([]Event, error) {
	d := json.NewDecoder(r)
	if err := readBracket(d, "["); err != nil {
		return nil, err
	}

	var events []Event
	for d.More() {
		ev := Event{}
		if err := d.Decode(&ev); err != nil {
			return nil, fmt.Errorf("could not decode telemetry event from json array: %w", err)
		}
		events = append(events, ev)
	}
	if err := readBracket(d, "]"); err != nil {
		return nil, err
	}

	return events, nil
}

func readBracket(d *json.Decoder, want string) error {
	t, err := d.Token()
	if err != nil {
		return fmt.Errorf("malformed json array: %w", err)
	}
	delim, ok := t.(json.Delim)
	if !ok {
		return fmt.Errorf("malformed json array, want %s, got %v", want, t)
	}
	if delim.String() != want {
		return fmt.Errorf("malformed json array, want %s, got %v", want, delim.String())
	}

	return nil
}
