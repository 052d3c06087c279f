// controllers.go: Registry of controllers shared between mods
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package modloader

import "sync"

// ControllerRegistry holds named values that mods publish for each other at
// run time. Every controller remembers the mod that added it, and all of a
// mod's controllers are dropped when that mod starts unloading, so no mod is
// left holding a reference into a destroyed context.
type ControllerRegistry struct {
	mu          sync.RWMutex
	controllers map[string]ownedController
}

type ownedController struct {
	owner string
	value any
}

// NewControllerRegistry creates an empty registry.
func NewControllerRegistry() *ControllerRegistry {
	return &ControllerRegistry{controllers: make(map[string]ownedController)}
}

// AddOrReplace stores value under name on behalf of owner.
func (r *ControllerRegistry) AddOrReplace(owner, name string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.controllers[name] = ownedController{owner: owner, value: value}
}

// Get returns the controller stored under name.
func (r *ControllerRegistry) Get(name string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.controllers[name]
	return c.value, ok
}

// Remove deletes the controller stored under name.
func (r *ControllerRegistry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.controllers, name)
}

// RemoveOwnedBy deletes every controller added by owner and returns how many
// were removed.
func (r *ControllerRegistry) RemoveOwnedBy(owner string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for name, c := range r.controllers {
		if c.owner == owner {
			delete(r.controllers, name)
			n++
		}
	}
	return n
}

// Len returns the number of stored controllers.
func (r *ControllerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.controllers)
}

// handleEvent is subscribed to the lifecycle manager.
func (r *ControllerRegistry) handleEvent(event LifecycleEvent) {
	if event.Type == EventModUnloading || event.Type == EventModLoadFailed {
		r.RemoveOwnedBy(event.ModID)
	}
}
