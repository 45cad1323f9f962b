// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nodeweave/meshplane/pkg/log"
)

// Memory is an in-process Bus. Each topic keeps its own ordered
// per-key dispatch queue so that handlers for a fixed key see messages
// in publish order even though different keys may be delivered
// concurrently.
type Memory struct {
	mu     sync.Mutex
	topics map[string]*memoryTopic
	closed bool
	seq    uint64
}

type memoryTopic struct {
	mu       sync.Mutex
	handlers map[string]Handler
	queues   map[string]chan func()
}

// NewMemory returns a ready-to-use in-process Bus.
func NewMemory() *Memory {
	return &Memory{topics: make(map[string]*memoryTopic)}
}

func (m *Memory) topic(name string) *memoryTopic {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.topics[name]
	if !ok {
		t = &memoryTopic{
			handlers: make(map[string]Handler),
			queues:   make(map[string]chan func()),
		}
		m.topics[name] = t
	}
	return t
}

// Publish dispatches data to every handler registered on topic. Each
// handler runs on its own per-key worker goroutine so that different
// keys proceed concurrently while a fixed key stays ordered.
func (m *Memory) Publish(ctx context.Context, topic, key string, data []byte) error {
	t := m.topic(topic)
	t.mu.Lock()
	defer t.mu.Unlock()

	for name, h := range t.handlers {
		h := h
		name := name
		q, ok := t.queues[name+"|"+key]
		if !ok {
			q = make(chan func(), 256)
			t.queues[name+"|"+key] = q
			go func() {
				for fn := range q {
					fn()
				}
			}()
		}
		select {
		case q <- func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("bus: handler %q on topic %q panicked: %v", name, topic, r)
				}
			}()
			h(ctx, key, data)
		}:
		default:
			log.Warnf("bus: queue full for handler %q topic %q key %q, dropping message", name, topic, key)
		}
	}
	return nil
}

// Subscribe registers handler under a generated name so multiple
// independent subscribers on the same topic all receive every
// message. Use SubscribeNamed for deterministic replacement semantics
// in tests.
func (m *Memory) Subscribe(topic string, handler Handler) error {
	id := atomic.AddUint64(&m.seq, 1)
	return m.SubscribeNamed(topic, fmt.Sprintf("anon-%d", id), handler)
}

// SubscribeNamed registers handler under an explicit name so a second
// call with the same (topic, name) replaces the first.
func (m *Memory) SubscribeNamed(topic, name string, handler Handler) error {
	t := m.topic(topic)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[name] = handler
	return nil
}

// Close only marks the Memory bus closed. It does not close the per-key
// queues, so their worker goroutines stay parked on them, and Publish
// keeps delivering after Close.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
