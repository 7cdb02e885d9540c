// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sinks holds append-only file sinks for committed task changes.
package sinks

import (
	"bufio"
	"bytes"
	"os"
	"sync"
	"time"

	"github.com/IBM/sarama"
	json "github.com/goccy/go-json"
)

// flushEvery bounds how long encoded lines may sit in the buffer.
const flushEvery = 100 * time.Millisecond

// JournalFileSink is a buffered JSONL sink. It accepts the same producer messages
// as the Kafka feed and appends each message value as one line, which gives a
// local replayable change journal without a broker. Safe for concurrent use.
type JournalFileSink struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	path string

	lastFlush time.Time
}

// NewJournalFileSink opens (or creates) the file at path in append mode with
// a buffered writer. Call Close when done.
func NewJournalFileSink(path string) (*JournalFileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &JournalFileSink{f: f, w: bufio.NewWriterSize(f, 1<<20 /*1MiB*/), path: path, lastFlush: time.Now()}, nil
}

// SendMessages appends every message value as a line. Newlines inside a value are
// not allowed, since they would split the record.
func (s *JournalFileSink) SendMessages(msgs []*sarama.ProducerMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		if m.Value == nil {
			continue
		}
		b, err := m.Value.Encode()
		if err != nil {
			return err
		}
		if bytes.IndexByte(b, '\n') >= 0 {
			return &MultilineError{Path: s.path}
		}
		if _, err := s.w.Write(b); err != nil {
			return err
		}
		if err := s.w.WriteByte('\n'); err != nil {
			return err
		}
	}
	if time.Since(s.lastFlush) > flushEvery {
		s.lastFlush = time.Now()
		return s.w.Flush()
	}
	return nil
}

// Flush forces buffered data to be written to disk.
func (s *JournalFileSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastFlush = time.Now()
	return s.w.Flush()
}

// Close flushes and closes the underlying file.
func (s *JournalFileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ferr := s.w.Flush()
	if err := s.f.Close(); err != nil {
		return err
	}
	return ferr
}

// MultilineError is returned for a message value that contains a newline.
type MultilineError struct {
	Path string
}

func (e *MultilineError) Error() string {
	return "sinks: journal " + e.Path + ": message value contains a newline"
}

// ReadJournal decodes every line of the journal at path into T. Lines that do not
// decode are skipped. Intended for replay and tests.
func ReadJournal[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []T
	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 1<<20)
	scanner.Buffer(buf, 1<<26)
	for scanner.Scan() {
		var v T
		if err := json.Unmarshal(scanner.Bytes(), &v); err == nil {
			out = append(out, v)
		}
	}
	return out, scanner.Err()
}
