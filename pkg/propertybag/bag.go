// Package propertybag implements the type-safe key/value store over a
// fixed descriptor set (spec.md §4.3 PropertyBag), with atomic bulk copy
// semantics so concurrent readers never observe a partial merge.
package propertybag

import (
	"sync"

	"ssw-logs-capture/pkg/logsource"
)

// Bag holds a fixed set of PropertyKind values, each defaulting to its
// descriptor's zero value until explicitly set.
type Bag struct {
	mu     sync.RWMutex
	values map[logsource.PropertyKind]interface{}
	keys   []logsource.PropertyKind
}

// New creates a Bag declaring exactly the given keys, each seeded with its
// descriptor default.
func New(keys []logsource.PropertyKind) *Bag {
	b := &Bag{
		values: make(map[logsource.PropertyKind]interface{}, len(keys)),
		keys:   append([]logsource.PropertyKind(nil), keys...),
	}
	for _, k := range keys {
		b.values[k] = k.DefaultValue()
	}
	return b
}

// Keys lists the properties this bag declares.
func (b *Bag) Keys() []logsource.PropertyKind {
	return append([]logsource.PropertyKind(nil), b.keys...)
}

// Get returns the current value for k, or k's default if the bag does not
// declare k at all (an ancestor-exclusive property this bag never saw —
// spec.md §9 "pass through read, ignore write").
func (b *Bag) Get(k logsource.PropertyKind) interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if v, ok := b.values[k]; ok {
		return v
	}
	return k.DefaultValue()
}

// Set stores value for k. A no-op if the bag does not declare k.
func (b *Bag) Set(k logsource.PropertyKind, value interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.values[k]; !ok {
		return
	}
	b.values[k] = value
}

// CopyFrom atomically replaces every value this bag declares with the
// corresponding value from src (or the descriptor default if src lacks
// it), so a stage can build a new snapshot off the lock and publish it in
// one step — spec.md §5 "the stage computes a new property snapshot in a
// buffer and atomically publishes it before the listener fires".
func (b *Bag) CopyFrom(src map[logsource.PropertyKind]interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range b.keys {
		if v, ok := src[k]; ok {
			b.values[k] = v
		} else {
			b.values[k] = k.DefaultValue()
		}
	}
}

// GetAll copies every declared value into dest.
func (b *Bag) GetAll(dest map[logsource.PropertyKind]interface{}) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for k, v := range b.values {
		dest[k] = v
	}
}
