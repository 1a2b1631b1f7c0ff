// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package logpipe

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Spooled records use deterministic CBOR with RFC 3339 timestamps, and
// decode untyped maps as map[string]any so metadata reads back the
// way it was logged.
var (
	spoolEncoding cbor.EncMode
	spoolDecoding cbor.DecMode
)

func init() {
	options := cbor.CoreDetEncOptions()
	options.Time = cbor.TimeRFC3339Nano
	var err error
	if spoolEncoding, err = options.EncMode(); err != nil {
		panic("logpipe: spool encoder: " + err.Error())
	}
	spoolDecoding, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("logpipe: spool decoder: " + err.Error())
	}
}

// Spool is an append-only file of records the remote collector did
// not accept, stored as a CBOR sequence.
type Spool struct {
	path  string
	mutex sync.Mutex
}

// SpoolPath returns the spool file path for jobID under root.
func SpoolPath(root, jobID string) string {
	return filepath.Join(root, LogDirectory, jobID+".spool.cbor")
}

// NewSpool returns a Spool at path. The file is created on the first
// Append.
func NewSpool(path string) *Spool {
	return &Spool{path: path}
}

// Path returns the spool file path.
func (s *Spool) Path() string { return s.path }

type spoolEntry struct {
	Time     time.Time      `cbor:"time"`
	Level    string         `cbor:"level"`
	Message  string         `cbor:"message"`
	Metadata map[string]any `cbor:"metadata,omitempty"`
}

// Append writes record to the end of the spool.
func (s *Spool) Append(record Record) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating spool directory: %w", err)
	}
	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("opening spool: %w", err)
	}
	encodeErr := spoolEncoding.NewEncoder(file).Encode(spoolEntry{
		Time:     record.Time,
		Level:    record.Level.String(),
		Message:  record.Message,
		Metadata: record.Metadata,
	})
	closeErr := file.Close()
	if encodeErr != nil {
		return fmt.Errorf("encoding spooled record: %w", encodeErr)
	}
	return closeErr
}

// ReadSpool returns every record in the spool at path, oldest first. A
// missing file is an empty spool.
func ReadSpool(path string) ([]Record, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening spool: %w", err)
	}
	defer file.Close()

	decoder := spoolDecoding.NewDecoder(file)
	var records []Record
	for {
		var entry spoolEntry
		if err := decoder.Decode(&entry); err != nil {
			if errors.Is(err, io.EOF) {
				return records, nil
			}
			return records, fmt.Errorf("decoding spool entry %d: %w", len(records), err)
		}
		level, err := ParseLevel(entry.Level)
		if err != nil {
			level = LevelInfo
		}
		records = append(records, Record{
			Time:     entry.Time,
			Level:    level,
			Message:  entry.Message,
			Metadata: entry.Metadata,
		})
	}
}
