// Package applog writes the append-only raw, decoded and event logs.
package applog

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TimeFormat is the UTC timestamp prefix of raw and decoded lines.
const TimeFormat = time.DateTime

// File is an append-only line log. Each record is written with a single
// Write call on a file opened with O_APPEND, so lines from concurrent
// writers never interleave.
type File struct {
	path string
	mu   sync.Mutex
	f    *os.File
}

// Open creates the parent directory if needed and opens path for appending.
func Open(path string) (*File, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory %s: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}
	return &File{path: path, f: f}, nil
}

func (l *File) Path() string {
	return l.path
}

// WriteLine appends line plus a newline as one record.
func (l *File) WriteLine(line []byte) error {
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return os.ErrClosed
	}
	_, err := l.f.Write(buf)
	return err
}

func (l *File) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// Paths locates the three logs.
type Paths struct {
	Raw     string
	Decoded string
	Events  string
}

// Logs groups the raw, decoded and event logs.
type Logs struct {
	Raw     *File
	Decoded *File
	Events  *File
}

func OpenAll(p Paths) (*Logs, error) {
	raw, err := Open(p.Raw)
	if err != nil {
		return nil, err
	}
	decoded, err := Open(p.Decoded)
	if err != nil {
		raw.Close()
		return nil, err
	}
	events, err := Open(p.Events)
	if err != nil {
		raw.Close()
		decoded.Close()
		return nil, err
	}
	return &Logs{Raw: raw, Decoded: decoded, Events: events}, nil
}

// WriteRaw appends "<ts> <topic> <hex payload>".
func (l *Logs) WriteRaw(ts time.Time, topic string, payload []byte) error {
	line := fmt.Sprintf("%s %s %s", ts.UTC().Format(TimeFormat), topic, hex.EncodeToString(payload))
	return l.Raw.WriteLine([]byte(line))
}

// WriteDecoded appends "<ts> <topic> <json>".
func (l *Logs) WriteDecoded(ts time.Time, topic string, v any) error {
	b, err := encodeJSON(v)
	if err != nil {
		return fmt.Errorf("encode decoded packet: %w", err)
	}
	line := make([]byte, 0, len(b)+len(topic)+32)
	line = append(line, ts.UTC().Format(TimeFormat)...)
	line = append(line, ' ')
	line = append(line, topic...)
	line = append(line, ' ')
	line = append(line, b...)
	return l.Decoded.WriteLine(line)
}

// WriteEvent appends one JSON object.
func (l *Logs) WriteEvent(v any) error {
	b, err := encodeJSON(v)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return l.Events.WriteLine(b)
}

// encodeJSON marshals without HTML escaping, so text payloads stay readable.
func encodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func (l *Logs) Close() error {
	return errors.Join(l.Raw.Close(), l.Decoded.Close(), l.Events.Close())
}
