// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package losses resolves weight regularizers by name.
//
// A variable can be created with a regularizer given as a string ("L2", "L1"). The name is resolved here
// into a GoMLX regularizers.Regularizer, which adds its penalty to the training loss when applied to the
// variable in a computation graph.
package losses

import (
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/gomlx/pkg/ml/layers/regularizers"
	"github.com/pkg/errors"
)

// DefaultWeightDecay is the amount used by Get for the built-in regularizers.
const DefaultWeightDecay = 0.001

// ErrUnknownRegularizer is returned for names not registered.
var ErrUnknownRegularizer = errors.New("unknown regularizer")

// Factory creates a regularizer with the given weight decay (amount).
type Factory func(decay float64) regularizers.Regularizer

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{
		"l2": regularizers.L2,
		"l1": regularizers.L1,
	}
)

// Register makes factory available under name (case-insensitive). Registering an existing name replaces it.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(name)] = factory
}

// Get returns the regularizer registered under name (case-insensitive), with DefaultWeightDecay.
func Get(name string) (regularizers.Regularizer, error) {
	return GetWithDecay(name, DefaultWeightDecay)
}

// GetWithDecay returns the regularizer registered under name (case-insensitive), with the given decay.
//
// A decay of 0 is valid and returns a nil regularizer for the built-ins: nothing is added to the loss.
func GetWithDecay(name string, decay float64) (regularizers.Regularizer, error) {
	if decay < 0 {
		return nil, errors.Errorf("regularizer %q: weight decay must be >= 0, got %g", name, decay)
	}
	registryMu.RLock()
	factory, found := registry[strings.ToLower(name)]
	registryMu.RUnlock()
	if !found {
		return nil, errors.Wrapf(ErrUnknownRegularizer, "regularizer %q (known regularizers: %q)", name, Names())
	}
	return factory(decay), nil
}

// Names returns the sorted list of registered regularizer names.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
