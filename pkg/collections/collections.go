// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package collections keeps named collections of entries (variables, placeholders) attached to a
// context.Context.
//
// A collection is simply a named, ordered bag: variables are tagged into "trainable_variables",
// into the collection of the layer that owns them, into "exclude_restore_variables" if they should not be
// restored from a checkpoint, and so on. Model code and training helpers later look them up by name.
//
// The collections of a context are held by a Registry, stored as a parameter in the root scope of the
// context, so every scoped reference of the same context shares it:
//
//	ctx := context.New()
//	v := ctx.In("dense").VariableWithValue("bias", []float32{0, 0})
//	collections.Add(ctx, collections.LayerKey("dense"), v)
//	...
//	for _, e := range collections.Get(ctx, collections.LayerKey("dense")) {
//		fmt.Println(e.ScopeAndName())
//	}
package collections

import (
	"encoding/json"
	"slices"
	"sync"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"k8s.io/klog/v2"
)

// Entry is anything that can be held in a collection. Both *context.Variable and
// *placeholders.Placeholder implement it.
//
// Entries implemented by pointers should also implement `IsNil() bool`, so a nil pointer is not added.
type Entry interface {
	// ScopeAndName returns the full name of the entry, used for display and for serialization.
	ScopeAndName() string
}

// Well-known collection keys.
const (
	// GlobalVariables holds every variable created with the variables package.
	GlobalVariables = "variables"

	// TrainableVariables holds the variables created as trainable.
	TrainableVariables = "trainable_variables"

	// LayerVariables is the prefix of per-layer collections. See LayerKey.
	LayerVariables = "layer_variables"

	// ExcludeRestore holds variables that are not saved to (and hence never restored from) checkpoints.
	ExcludeRestore = "exclude_restore_variables"

	// Inputs holds the input placeholders of a model.
	Inputs = "inputs"

	// Targets holds the target (labels) placeholders of a model.
	Targets = "targets"

	// RegularizedVariables holds the variables with an attached weight regularizer.
	RegularizedVariables = "regularized_variables"
)

// ParamRegistry is the root-scope context parameter that holds the *Registry.
const ParamRegistry = "collections_registry"

// LayerKey returns the key of the collection holding the variables of the layer named layerName.
func LayerKey(layerName string) string {
	return LayerVariables + context.ScopeSeparator + layerName
}

// Registry holds the collections of one context. It is safe for concurrent use.
//
// Collections preserve insertion order, and adding an entry already present is a no-op.
//
// It also holds attributes of entries (e.g.: the device or regularizer of a variable), see SetAttribute.
type Registry struct {
	mu         sync.Mutex
	keys       []string
	entries    map[string][]Entry
	attributes map[Entry]map[string]any
}

// NewRegistry returns an empty Registry, not attached to any context.
func NewRegistry() *Registry {
	return &Registry{
		entries:    make(map[string][]Entry),
		attributes: make(map[Entry]map[string]any),
	}
}

// attachMu serializes the lookup-or-create of a context's Registry.
var attachMu sync.Mutex

// For returns the Registry attached to ctx, creating (and attaching) a new one if needed.
// The scope of ctx is irrelevant: all references to the same context data share the Registry.
//
// If the parameter holds collections saved in a checkpoint (see DecodeSaved), which happens when a
// checkpoint is loaded directly with checkpoints.Build, the new Registry is populated with the variables
// of the context matching the saved names (see Retag).
func For(ctx *context.Context) *Registry {
	attachMu.Lock()
	defer attachMu.Unlock()
	root := ctx.InAbsPath(context.RootScope)
	r := NewRegistry()
	if value, found := root.GetParam(ParamRegistry); found && value != nil {
		if current, ok := value.(*Registry); ok {
			return current
		}
		if saved, ok := DecodeSaved(value); ok {
			count := r.Retag(ctx, saved)
			klog.V(1).Infof("context parameter %q held saved collections: %d variables re-tagged", ParamRegistry, count)
		} else {
			klog.Warningf("context parameter %q holds a %T, not a *collections.Registry: replacing it with an empty registry",
				ParamRegistry, value)
		}
	}
	root.SetParam(ParamRegistry, r)
	return r
}

// Retag adds to r the variables of ctx named in saved (a map of collection key to the ScopeAndName of its
// entries, see DecodeSaved), and marks as not trainable the variables saved in GlobalVariables but not in
// TrainableVariables. It returns the number of distinct variables tagged.
//
// Only variables already in the context are considered: it never loads variables from a checkpoint
// attached to ctx. Names not found (placeholders, variables not loaded yet) are skipped.
func (r *Registry) Retag(ctx *context.Context, saved map[string][]string) int {
	byName := make(map[string]*context.Variable)
	for v := range ctx.IterVariables() {
		byName[v.ScopeAndName()] = v
	}
	keys := make([]string, 0, len(saved))
	for key := range saved {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	tagged := make(map[*context.Variable]bool)
	for _, key := range keys {
		for _, name := range saved[key] {
			if v, found := byName[name]; found {
				r.Add(key, v)
				tagged[v] = true
			}
		}
	}
	for _, name := range saved[GlobalVariables] {
		if v, found := byName[name]; found && !slices.Contains(saved[TrainableVariables], name) {
			v.SetTrainable(false)
		}
	}
	return len(tagged)
}

// Attach sets r as the Registry of ctx, and returns the previous value of the ParamRegistry parameter, or nil.
//
// Loading a checkpoint replaces the parameter with the saved collections (see MarshalJSON and DecodeSaved):
// Attach puts the live Registry back.
func Attach(ctx *context.Context, r *Registry) (previous any) {
	attachMu.Lock()
	defer attachMu.Unlock()
	root := ctx.InAbsPath(context.RootScope)
	previous, _ = root.GetParam(ParamRegistry)
	root.SetParam(ParamRegistry, r)
	return
}

// DecodeSaved converts the collections saved by MarshalJSON, as decoded from JSON into an untyped value, to
// a map of collection key to the names of its entries.
// It returns false if saved is not in that format.
func DecodeSaved(saved any) (map[string][]string, bool) {
	switch typed := saved.(type) {
	case map[string][]string:
		return typed, true
	case map[string]any:
		decoded := make(map[string][]string, len(typed))
		for key, value := range typed {
			list, ok := value.([]any)
			if !ok && value != nil {
				return nil, false
			}
			names := make([]string, 0, len(list))
			for _, nameAny := range list {
				name, ok := nameAny.(string)
				if !ok {
					return nil, false
				}
				names = append(names, name)
			}
			decoded[key] = names
		}
		return decoded, true
	}
	return nil, false
}

// Add entries to the collection key. Nil entries (see Entry) and entries already in the collection are skipped.
func (r *Registry) Add(key string, entries ...Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, found := r.entries[key]
	if !found {
		r.keys = append(r.keys, key)
	}
	for _, e := range entries {
		if isNil(e) || slices.Contains(current, e) {
			continue
		}
		current = append(current, e)
	}
	r.entries[key] = current
}

// Get returns a copy of the entries of collection key, in insertion order.
// It returns nil if the collection doesn't exist or is empty.
func (r *Registry) Get(key string) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.entries[key])
}

// Len returns the number of entries in the collection key.
func (r *Registry) Len(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries[key])
}

// Keys returns the keys of all collections ever created, in creation order.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.keys)
}

// KeysOf returns the keys of the collections that hold entry, in creation order.
func (r *Registry) KeysOf(entry Entry) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var keys []string
	for _, key := range r.keys {
		if slices.Contains(r.entries[key], entry) {
			keys = append(keys, key)
		}
	}
	return keys
}

// Remove entry from the collection key. It returns whether the entry was found.
func (r *Registry) Remove(key string, entry Entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	current := r.entries[key]
	idx := slices.Index(current, entry)
	if idx < 0 {
		return false
	}
	r.entries[key] = slices.Delete(current, idx, idx+1)
	return true
}

// Clear empties the collection key. The key itself is still listed by Keys.
func (r *Registry) Clear(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, found := r.entries[key]; found {
		r.entries[key] = nil
	}
}

// SetAttribute attaches value to entry under the attribute name. A nil value deletes the attribute.
func (r *Registry) SetAttribute(entry Entry, name string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	attrs := r.attributes[entry]
	if value == nil {
		delete(attrs, name)
		if len(attrs) == 0 {
			delete(r.attributes, entry)
		}
		return
	}
	if attrs == nil {
		attrs = make(map[string]any)
		r.attributes[entry] = attrs
	}
	attrs[name] = value
}

// Attribute returns the value attached to entry under the attribute name.
func (r *Registry) Attribute(entry Entry, name string) (value any, found bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	value, found = r.attributes[entry][name]
	return
}

// MarshalJSON implements json.Marshaler: each collection is serialized as the list of the ScopeAndName of
// its entries. Attributes are not serialized. It is informative only, the Registry is not restored from it.
func (r *Registry) MarshalJSON() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make(map[string][]string, len(r.entries))
	for key, entries := range r.entries {
		list := make([]string, 0, len(entries))
		for _, e := range entries {
			list = append(list, e.ScopeAndName())
		}
		names[key] = list
	}
	return json.Marshal(names)
}

// Add entries to the collection key of the context's Registry.
func Add(ctx *context.Context, key string, entries ...Entry) {
	For(ctx).Add(key, entries...)
}

// Get the entries of the collection key of the context's Registry.
func Get(ctx *context.Context, key string) []Entry {
	return For(ctx).Get(key)
}

// Keys of all collections of the context's Registry.
func Keys(ctx *context.Context) []string {
	return For(ctx).Keys()
}

// KeysOf returns the keys of the context's collections that hold entry.
func KeysOf(ctx *context.Context, entry Entry) []string {
	return For(ctx).KeysOf(entry)
}

// Remove entry from the collection key of the context's Registry.
func Remove(ctx *context.Context, key string, entry Entry) bool {
	return For(ctx).Remove(key, entry)
}

// Clear the collection key of the context's Registry.
func Clear(ctx *context.Context, key string) {
	For(ctx).Clear(key)
}

// Attribute returns the value attached to entry under the attribute name, if it is of type T.
func Attribute[T any](ctx *context.Context, entry Entry, name string) (value T, found bool) {
	valueAny, found := For(ctx).Attribute(entry, name)
	if !found {
		return
	}
	value, found = valueAny.(T)
	return
}

// Variables returns the variables held in the collection key, skipping any other kind of entry.
func Variables(ctx *context.Context, key string) []*context.Variable {
	var vars []*context.Variable
	for _, e := range Get(ctx, key) {
		if v, ok := e.(*context.Variable); ok {
			vars = append(vars, v)
		}
	}
	return vars
}

// isNil reports whether e is nil, or a typed nil pointer: *context.Variable, or any entry implementing
// IsNil (like *placeholders.Placeholder).
func isNil(e Entry) bool {
	switch typed := e.(type) {
	case nil:
		return true
	case *context.Variable:
		return typed == nil
	case interface{ IsNil() bool }:
		return typed.IsNil()
	}
	return false
}
