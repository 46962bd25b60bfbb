package log

import (
	"bytes"
	"fmt"
	"strconv"
	"time"
)

// LogEvent accumulates one structured log line as JSON. Events are pooled
// by the owning logger; Msg ends the event and returns it to the pool, so
// an event must not be used after Msg. All field methods are safe on a
// nil receiver, which is how level-filtered events are discarded for free.
type LogEvent struct {
	buf    bytes.Buffer
	level  Level
	logger Logger
}

func newEvent(logger Logger) *LogEvent {
	return &LogEvent{logger: logger}
}

// Reset prepares a pooled event for reuse.
func (e *LogEvent) Reset() {
	e.buf.Reset()
	e.buf.WriteByte('{')
}

func (e *LogEvent) key(k string) {
	if e.buf.Len() > 1 {
		e.buf.WriteByte(',')
	}
	b := e.buf.AvailableBuffer()
	b = strconv.AppendQuote(b, k)
	e.buf.Write(b)
	e.buf.WriteByte(':')
}

// Str adds a string field.
func (e *LogEvent) Str(k, v string) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	b := e.buf.AvailableBuffer()
	b = strconv.AppendQuote(b, v)
	e.buf.Write(b)
	return e
}

// Int adds an int field.
func (e *LogEvent) Int(k string, v int) *LogEvent {
	return e.Int64(k, int64(v))
}

// Int64 adds an int64 field.
func (e *LogEvent) Int64(k string, v int64) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	b := e.buf.AvailableBuffer()
	b = strconv.AppendInt(b, v, 10)
	e.buf.Write(b)
	return e
}

// Uint8 adds a uint8 field.
func (e *LogEvent) Uint8(k string, v uint8) *LogEvent {
	return e.Uint64(k, uint64(v))
}

// Uint32 adds a uint32 field.
func (e *LogEvent) Uint32(k string, v uint32) *LogEvent {
	return e.Uint64(k, uint64(v))
}

// Uint64 adds a uint64 field.
func (e *LogEvent) Uint64(k string, v uint64) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	b := e.buf.AvailableBuffer()
	b = strconv.AppendUint(b, v, 10)
	e.buf.Write(b)
	return e
}

// Bool adds a bool field.
func (e *LogEvent) Bool(k string, v bool) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	b := e.buf.AvailableBuffer()
	b = strconv.AppendBool(b, v)
	e.buf.Write(b)
	return e
}

// Err adds an "error" field. A nil error adds nothing.
func (e *LogEvent) Err(err error) *LogEvent {
	if e == nil || err == nil {
		return e
	}
	return e.Str("error", err.Error())
}

// Any adds a field formatted with %v.
func (e *LogEvent) Any(k string, v any) *LogEvent {
	if e == nil {
		return nil
	}
	return e.Str(k, fmt.Sprintf("%v", v))
}

// Time adds an RFC3339 timestamp field.
func (e *LogEvent) Time(k string, t *time.Time) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	e.buf.WriteByte('"')
	b := e.buf.AvailableBuffer()
	b = t.AppendFormat(b, time.RFC3339Nano)
	e.buf.Write(b)
	e.buf.WriteByte('"')
	return e
}

// Msg finishes the event with a message field and hands it to the logger.
func (e *LogEvent) Msg(msg string) {
	if e == nil {
		return
	}
	e.Str("msg", msg)
	e.buf.WriteByte('}')
	e.buf.WriteByte('\n')
	e.logger.OnEventEnd(e)
}
