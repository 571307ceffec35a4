package logging

import (
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
)

type recordedEntry struct {
	level  string
	msg    string
	err    error
	fields watermill.LogFields
}

type logRecorder struct {
	entries []recordedEntry
}

type recordingWatermillLogger struct {
	rec  *logRecorder
	with watermill.LogFields
}

func newRecordingWatermillLogger() *recordingWatermillLogger {
	return &recordingWatermillLogger{rec: &logRecorder{}}
}

func (r *recordingWatermillLogger) record(level, msg string, err error, fields watermill.LogFields) {
	merged := watermill.LogFields{}
	for k, v := range r.with {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	r.rec.entries = append(r.rec.entries, recordedEntry{level: level, msg: msg, err: err, fields: merged})
}

func (r *recordingWatermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	r.record("error", msg, err, fields)
}

func (r *recordingWatermillLogger) Info(msg string, fields watermill.LogFields) {
	r.record("info", msg, nil, fields)
}

func (r *recordingWatermillLogger) Debug(msg string, fields watermill.LogFields) {
	r.record("debug", msg, nil, fields)
}

func (r *recordingWatermillLogger) Trace(msg string, fields watermill.LogFields) {
	r.record("trace", msg, nil, fields)
}

func (r *recordingWatermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	merged := watermill.LogFields{}
	for k, v := range r.with {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &recordingWatermillLogger{rec: r.rec, with: merged}
}

func TestWatermillServiceLoggerDelegates(t *testing.T) {
	base := newRecordingWatermillLogger()
	logger := NewWatermillServiceLogger(base)

	logger.Debug("dbg", LogFields{"component": "consumer"})
	logger.Info("info", nil)
	logger.Trace("trace", LogFields{"trace": true})
	logger.Error("oops", errors.New("boom"), LogFields{"failed": true})

	child := logger.With(LogFields{"child": "yes"})
	child.Info("child_info", nil)

	entries := base.rec.entries
	if len(entries) != 5 {
		t.Fatalf("expected 5 log entries, got %d", len(entries))
	}
	if entries[0].level != "debug" || entries[0].fields["component"] != "consumer" {
		t.Fatalf("unexpected first entry: %#v", entries[0])
	}
	if entries[3].level != "error" || entries[3].err == nil {
		t.Fatalf("expected error entry, got %#v", entries[3])
	}
	if entries[4].fields["child"] != "yes" {
		t.Fatalf("expected With fields to propagate, got %#v", entries[4].fields)
	}
}

func TestWatermillServiceLoggerPanicsOnNilLogger(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic when logger nil")
		}
	}()
	NewWatermillServiceLogger(nil)
}

func TestSlogLoggerPanicsOnNil(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic when slog logger nil")
		}
	}()
	NewSlogServiceLogger(nil)
}

func TestWatermillAdapterRoundTrip(t *testing.T) {
	base := newRecordingWatermillLogger()
	adapter := NewWatermillAdapter(NewWatermillServiceLogger(base))

	adapter.Info("hello", watermill.LogFields{"k": "v"})
	child := adapter.With(watermill.LogFields{"scope": "test"})
	child.Debug("child", nil)

	entries := base.rec.entries
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].fields["k"] != "v" {
		t.Fatalf("expected fields to pass through, got %#v", entries[0].fields)
	}
	if entries[1].fields["scope"] != "test" {
		t.Fatalf("expected With fields to propagate, got %#v", entries[1].fields)
	}
}

func TestNopLoggerSwallowsEverything(t *testing.T) {
	logger := Nop()
	logger.Info("ignored", nil)
	logger.Error("ignored", errors.New("x"), LogFields{"a": 1})
	logger.With(LogFields{"b": 2}).Debug("ignored", nil)
}
