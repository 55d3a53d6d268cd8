// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package variables

import (
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrNoSession is returned when no session is given and no default session is set.
	ErrNoSession = errors.New("no session given and no default session set")

	// ErrIncompatibleValue is returned by SetValue when the value doesn't match the variable's shape or dtype.
	ErrIncompatibleValue = errors.New("value incompatible with variable")
)

// Session evaluates and assigns variable values of a context, using a backend.
//
// A Session is safe for concurrent use, but the values returned by GetValue are only valid until the
// variable is changed again.
type Session struct {
	mu      sync.Mutex
	backend backends.Backend
	ctx     *context.Context
	device  string
	owned   bool
}

// NewSession creates a session for the variables of ctx, using backend.
// The backend is not owned by the session: Close doesn't finalize it.
func NewSession(backend backends.Backend, ctx *context.Context) *Session {
	return &Session{backend: backend, ctx: ctx}
}

// NewSessionWithConfig creates a session with a new backend created from the backend configuration
// (e.g.: "xla:cpu", "go"). If config is empty, the default backend is used (see GOMLX_BACKEND).
//
// The configuration is the session's Device. The session owns the backend, and Close finalizes it.
// An unknown or unavailable backend is returned as an error.
func NewSessionWithConfig(config string, ctx *context.Context) (*Session, error) {
	var backend backends.Backend
	err := exceptions.TryCatch[error](func() {
		var newErr error
		backend, newErr = backends.NewWithConfig(config)
		if newErr != nil {
			panic(newErr)
		}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create backend for session with config %q", config)
	}
	return &Session{backend: backend, ctx: ctx, device: config, owned: true}, nil
}

// Backend used by the session.
func (s *Session) Backend() backends.Backend { return s.backend }

// Context whose variables the session evaluates.
func (s *Session) Context() *context.Context { return s.ctx }

// Device returns the backend configuration the session was created with, or "" if it was created
// with NewSession.
//
// Variables recorded for a device (see Config.Device) can only be read or written by sessions with the
// same device, or with no device.
func (s *Session) Device() string { return s.device }

// Close releases the backend if the session owns it.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owned && s.backend != nil {
		s.backend.Finalize()
	}
	s.backend = nil
}

// Initialize initializes the context variables that don't have a value yet.
func (s *Session) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initializeLocked()
}

func (s *Session) initializeLocked() error {
	if s.backend == nil {
		return errors.New("session is closed")
	}
	if !s.ctx.NeedsInitialization() {
		return nil
	}
	if err := s.ctx.InitializeVariables(s.backend, nil); err != nil {
		return errors.WithMessage(err, "session failed to initialize variables")
	}
	return nil
}

// checkVariable verifies v belongs to the session's context, and is compatible with its device.
func (s *Session) checkVariable(v *context.Variable) error {
	if err := v.CheckValid(); err != nil {
		return err
	}
	if !s.owns(v) {
		return errors.Errorf("variable %q doesn't belong to the session's context", v.ScopeAndName())
	}
	if device := Device(s.ctx, v); device != "" && s.device != "" && device != s.device {
		return errors.Errorf("variable %q is recorded for device %q, but the session runs on %q",
			v.ScopeAndName(), device, s.device)
	}
	return nil
}

// owns reports whether v is one of the variables already in the session's context. Unlike
// GetVariableByScopeAndName it never loads variables from an attached checkpoint.
func (s *Session) owns(v *context.Variable) bool {
	for ctxVar := range s.ctx.IterVariables() {
		if ctxVar == v {
			return true
		}
	}
	return false
}

// GetValue returns the current value of v, initializing the context variables if needed.
//
// The returned tensor is owned by the variable: it becomes invalid when the variable value is changed.
func (s *Session) GetValue(v *context.Variable) (*tensors.Tensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkVariable(v); err != nil {
		return nil, err
	}
	if err := s.initializeLocked(); err != nil {
		return nil, err
	}
	value, err := v.Value()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to get value of variable %q", v.ScopeAndName())
	}
	return value, nil
}

// SetValue assigns value to v and returns the tensor now held by the variable.
//
// The value can be a *tensors.Tensor (which becomes owned by the variable) or a Go value (scalar or
// multidimensional slice). Its shape and dtype must be the same as the variable's, otherwise an error
// wrapping ErrIncompatibleValue is returned.
func (s *Session) SetValue(v *context.Variable, value any) (*tensors.Tensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkVariable(v); err != nil {
		return nil, err
	}
	if s.backend == nil {
		return nil, errors.New("session is closed")
	}
	var t *tensors.Tensor
	err := exceptions.TryCatch[error](func() { t = tensors.FromAnyValue(value) })
	if err != nil {
		return nil, errors.WithMessagef(err, "cannot convert value of type %T for variable %q", value, v.ScopeAndName())
	}
	if !t.Shape().Equal(v.Shape()) {
		return nil, errors.Wrapf(ErrIncompatibleValue, "variable %q has shape %s, value has shape %s",
			v.ScopeAndName(), v.Shape(), t.Shape())
	}
	if current, err := v.Value(); err == nil && current == t {
		// Assigning the variable its own value.
		return t, nil
	}
	if err := v.SetValue(t); err != nil {
		return nil, errors.WithMessagef(err, "failed to set value of variable %q", v.ScopeAndName())
	}
	klog.V(2).Infof("variable %q set to %s", v.ScopeAndName(), t.Shape())
	return t, nil
}

// Eval builds and executes once a graph computed from the session's context, and returns its output.
// The context variables are initialized first if needed, and variables updated in the graph
// (Variable.SetValueGraph) are updated after execution.
func (s *Session) Eval(graphFn func(ctx *context.Context, g *Graph) *Node) (*tensors.Tensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.initializeLocked(); err != nil {
		return nil, err
	}
	output, err := context.ExecOnce(s.backend, s.ctx, graphFn)
	if err != nil {
		return nil, errors.WithMessage(err, "session failed to evaluate graph")
	}
	return output, nil
}

var (
	defaultMu      sync.RWMutex
	defaultSession *Session
)

// SetDefaultSession sets the session used when a nil session is given to GetValue and SetValue.
// It returns the previous default session. Setting it to nil clears the default.
func SetDefaultSession(s *Session) (previous *Session) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	previous, defaultSession = defaultSession, s
	return
}

// DefaultSession returns the default session, or nil if none was set.
func DefaultSession() *Session {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultSession
}

func sessionOrDefault(s *Session) (*Session, error) {
	if s != nil {
		return s, nil
	}
	if s = DefaultSession(); s == nil {
		return nil, ErrNoSession
	}
	return s, nil
}

// GetValue returns the current value of v using session s, or the default session if s is nil.
// See Session.GetValue.
func GetValue(v *context.Variable, s *Session) (*tensors.Tensor, error) {
	s, err := sessionOrDefault(s)
	if err != nil {
		return nil, err
	}
	return s.GetValue(v)
}

// SetValue assigns value to v using session s, or the default session if s is nil, and returns the
// tensor now held by the variable. See Session.SetValue.
func SetValue(v *context.Variable, value any, s *Session) (*tensors.Tensor, error) {
	s, err := sessionOrDefault(s)
	if err != nil {
		return nil, err
	}
	return s.SetValue(v, value)
}

// GetFlat returns a copy of the flat values of v using session s, or the default session if s is nil.
// T must match the variable dtype.
func GetFlat[T dtypes.Supported](v *context.Variable, s *Session) ([]T, error) {
	value, err := GetValue(v, s)
	if err != nil {
		return nil, err
	}
	var flat []T
	err = exceptions.TryCatch[error](func() { flat = tensors.MustCopyFlatData[T](value) })
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to copy values of variable %q", v.ScopeAndName())
	}
	return flat, nil
}
