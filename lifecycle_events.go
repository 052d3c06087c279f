// lifecycle_events.go: Lifecycle states and event delivery
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

import (
	"sync"
	"time"
)

// ModState is the lifecycle state of a mod.
type ModState string

const (
	// StateUnloaded is both the initial and the terminal state; such mods are
	// absent from the registry.
	StateUnloaded ModState = "unloaded"
	// StateLoading covers isolation loading and Start.
	StateLoading ModState = "loading"
	// StateActive is a started mod.
	StateActive ModState = "active"
	// StateSuspended is a started mod whose effects are paused.
	StateSuspended ModState = "suspended"
)

// LifecycleEventType identifies a lifecycle event.
type LifecycleEventType string

const (
	EventLoaderInitialized LifecycleEventType = "loader_initialized"
	EventModLoading        LifecycleEventType = "mod_loading"
	EventModLoaded         LifecycleEventType = "mod_loaded"
	EventModUnloading      LifecycleEventType = "mod_unloading"
	EventModUnloaded       LifecycleEventType = "mod_unloaded"
	EventModSuspended      LifecycleEventType = "mod_suspended"
	EventModResumed        LifecycleEventType = "mod_resumed"
	EventModLoadFailed     LifecycleEventType = "mod_load_failed"
)

// LifecycleEvent is delivered to subscribers.
type LifecycleEvent struct {
	Type      LifecycleEventType `json:"type"`
	Timestamp time.Time          `json:"timestamp"`
	ModID     string             `json:"mod_id,omitempty"`
	Version   string             `json:"version,omitempty"`
	State     ModState           `json:"state,omitempty"`
	Error     string             `json:"error,omitempty"`
	Metadata  map[string]any     `json:"metadata,omitempty"`
}

// LifecycleEventHandler receives lifecycle events.
type LifecycleEventHandler func(event LifecycleEvent)

type eventBus struct {
	logger Logger

	mu       sync.RWMutex
	next     int
	handlers []subscription
}

type subscription struct {
	id      int
	handler LifecycleEventHandler
}

// subscribe adds a handler and returns a function removing it.
func (b *eventBus) subscribe(handler LifecycleEventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	id := b.next
	b.handlers = append(b.handlers, subscription{id: id, handler: handler})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.handlers {
			if s.id == id {
				b.handlers = append(b.handlers[:i], b.handlers[i+1:]...)
				return
			}
		}
	}
}

// emit runs every handler synchronously in subscription order. A panicking
// handler is logged and does not prevent the others from running.
func (b *eventBus) emit(event LifecycleEvent) {
	b.mu.RLock()
	handlers := make([]subscription, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, s := range handlers {
		func() {
			defer withStackRecover(b.logger, "lifecycle_event_handler")()
			s.handler(event)
		}()
	}
}
