// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package variables

import (
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/varkit/pkg/collections"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// NewCheckpoint creates a checkpoints.Handler for the context in dir, keeping the last keep checkpoints
// (-1 to keep all). If dir holds a checkpoint, the context hyperparameters are loaded from it, and the
// variables are loaded when first used.
//
// The collections are saved with the checkpoint, and restored by NewCheckpoint (see RestoreCollections).
// Notice that a restored variable already exists in the context: create it again with ctx.Reuse() (or
// ctx.Checked(false)).
//
// Variables tagged in collections.ExcludeRestore are not saved, so they are never restored either.
// Variables created with Restore(false) after the handler was created are only excluded if saved
// with SaveCheckpoint.
func NewCheckpoint(ctx *context.Context, dir string, keep int) (*checkpoints.Handler, error) {
	registry := collections.For(ctx)
	handler, err := checkpoints.Build(ctx).
		Dir(dir).
		Keep(keep).
		ExcludeVars(ExcludedFromRestore(ctx)...).
		Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create checkpoint handler for %q", dir)
	}
	saved := collections.Attach(ctx, registry)
	if savedCollections, ok := collections.DecodeSaved(saved); ok {
		restored := RestoreCollections(ctx, savedCollections)
		klog.V(1).Infof("checkpoint %q: %d variables re-tagged in their collections", dir, restored)
	}
	return handler, nil
}

// SaveCheckpoint saves a new checkpoint with handler, excluding the variables currently tagged in
// collections.ExcludeRestore. ctx must be the context the handler was created with.
//
// Saving stores the training global step (optimizers.GetGlobalStepVar), creating it if needed. It is
// tagged in collections.GlobalVariables as not trainable, so it is restored as such.
func SaveCheckpoint(ctx *context.Context, handler *checkpoints.Handler) error {
	err := exceptions.TryCatch[error](func() {
		collections.Add(ctx, collections.GlobalVariables, optimizers.GetGlobalStepVar(ctx))
	})
	if err != nil {
		return errors.WithMessagef(err, "failed to tag the global step for checkpoint in %q", handler.Dir())
	}
	handler.ExcludeVarsFromSaving(ExcludedFromRestore(ctx)...)
	if err := handler.Save(); err != nil {
		return errors.WithMessagef(err, "failed to save checkpoint in %q", handler.Dir())
	}
	return nil
}

// RestoreCollections tags the variables named in saved (a map of collection key to variable names, see
// collections.DecodeSaved) in their collections. Variables tagged in collections.GlobalVariables but not in
// collections.TrainableVariables are marked as not trainable.
//
// Variables are looked up in the context, which loads them if a checkpoint handler is attached.
// Names that are not found (for instance, placeholders or variables not saved) are skipped.
// It returns the number of distinct variables restored.
func RestoreCollections(ctx *context.Context, saved map[string][]string) int {
	for key, names := range saved {
		for _, scopeAndName := range names {
			scope, name := splitScopeAndName(scopeAndName)
			if name == "" {
				continue
			}
			if ctx.GetVariableByScopeAndName(scope, name) == nil {
				klog.V(2).Infof("collection %q: %q not found, skipped", key, scopeAndName)
			}
		}
	}
	return collections.For(ctx).Retag(ctx, saved)
}

// splitScopeAndName splits "/scope/name" into "/scope" and "name". It returns an empty name if
// scopeAndName is not an absolute variable name.
func splitScopeAndName(scopeAndName string) (scope, name string) {
	if !strings.HasPrefix(scopeAndName, context.RootScope) {
		return "", ""
	}
	idx := strings.LastIndex(scopeAndName, context.ScopeSeparator)
	scope, name = scopeAndName[:idx], scopeAndName[idx+1:]
	if scope == "" {
		scope = context.RootScope
	}
	return
}
