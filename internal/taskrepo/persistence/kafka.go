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

package persistence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"taskrepo/internal/taskrepo/core"
	"taskrepo/pkg/coalesce"
)

// MessageSender is the subset of sarama.SyncProducer the change feed needs.
type MessageSender interface {
	SendMessages(msgs []*sarama.ProducerMessage) error
}

// ChangeMessage is the payload published for every committed task change.
// The Kafka message key is the task id, so per-task ordering is preserved.
type ChangeMessage struct {
	Action   string    `json:"action"`
	Task     core.Task `json:"task"`
	TsUnixMs int64     `json:"ts_unix_ms"`
}

// DefaultFeedBuffer is how many committed batches may wait for the sender.
const DefaultFeedBuffer = 256

// ChangeFeed publishes committed changes to a Kafka topic. Publish only encodes
// and hands the batch to a sending goroutine, so a slow broker never stalls the
// writer. When the hand-off buffer is full the batch is dropped and logged.
// Send failures are logged and never reach writers.
type ChangeFeed struct {
	sender MessageSender
	topic  string
	log    *zap.Logger
	now    func() time.Time

	mu      sync.RWMutex
	closed  bool
	pending chan []*sarama.ProducerMessage
	done    chan struct{}
	dropped atomic.Int64
}

// NewChangeFeed starts the sending goroutine. buffer <= 0 means DefaultFeedBuffer.
// Close drains what is buffered and stops it.
func NewChangeFeed(sender MessageSender, topic string, buffer int, logger *zap.Logger) *ChangeFeed {
	if logger == nil {
		logger = zap.L()
	}
	if buffer <= 0 {
		buffer = DefaultFeedBuffer
	}
	f := &ChangeFeed{
		sender:  sender,
		topic:   topic,
		log:     logger.Named("change-feed"),
		now:     time.Now,
		pending: make(chan []*sarama.ProducerMessage, buffer),
		done:    make(chan struct{}),
	}
	go f.run()
	return f
}

// Publish matches coalesce.Hooks.OnCommitted. It never blocks on the broker.
func (f *ChangeFeed) Publish(_ context.Context, changes []coalesce.Change[core.Task]) {
	if len(changes) == 0 {
		return
	}
	ts := f.now().UnixMilli()
	msgs := make([]*sarama.ProducerMessage, 0, len(changes))
	for _, c := range changes {
		b, err := json.Marshal(ChangeMessage{Action: c.Action.String(), Task: c.Entity, TsUnixMs: ts})
		if err != nil {
			f.log.Warn("Skipping unencodable change", zap.String("task", c.Entity.ID), zap.Error(err))
			continue
		}
		msgs = append(msgs, &sarama.ProducerMessage{
			Topic: f.topic,
			Key:   sarama.StringEncoder(c.Entity.ID),
			Value: sarama.ByteEncoder(b),
			Headers: []sarama.RecordHeader{
				{Key: []byte("content-type"), Value: []byte("application/json")},
			},
		})
	}
	if len(msgs) == 0 {
		return
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		f.drop("Change feed is closed, dropping changes", len(msgs))
		return
	}
	select {
	case f.pending <- msgs:
	default:
		f.drop("Change feed is backed up, dropping changes", len(msgs))
	}
}

// Dropped returns how many messages were discarded because the feed was full
// or closed.
func (f *ChangeFeed) Dropped() int64 { return f.dropped.Load() }

// Close stops accepting changes and waits until the buffered ones were sent.
func (f *ChangeFeed) Close() error {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		close(f.pending)
	}
	f.mu.Unlock()
	<-f.done
	return nil
}

func (f *ChangeFeed) drop(msg string, n int) {
	total := f.dropped.Add(int64(n))
	f.log.Warn(msg,
		zap.String("topic", f.topic),
		zap.Int("messages", n),
		zap.Int64("dropped_total", total))
}

func (f *ChangeFeed) run() {
	defer close(f.done)
	for msgs := range f.pending {
		if err := f.sender.SendMessages(msgs); err != nil {
			f.log.Error("Failed to publish task changes",
				zap.String("topic", f.topic),
				zap.Int("messages", len(msgs)),
				zap.Error(err))
		}
	}
}
