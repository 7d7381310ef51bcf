package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/seantiz/offload/internal/entrypoint"
	"github.com/seantiz/offload/internal/model"
)

// Definition describes an entry point handles can be created for. The entry
// point is registered once, when the Definition is made; every New call then
// starts a fresh isolated context.
type Definition[TIn, TOut any] struct {
	locator string
	opts    []Option
}

// Setup registers init under locator and returns a Definition for creating
// handles later. Registering the same locator twice fails with
// entrypoint.ErrAlreadyRegistered.
func Setup[TIn, TOut any](locator string, init entrypoint.Init[TIn, TOut], opts ...Option) (*Definition[TIn, TOut], error) {
	if init == nil {
		return nil, fmt.Errorf("setup %q: nil entry point", locator)
	}
	o := buildOptions(opts)
	if err := o.registry.Register(locator, entrypoint.Bind(init)); err != nil {
		return nil, fmt.Errorf("setup: %w", err)
	}
	initLocatorMetrics(locator)
	return &Definition[TIn, TOut]{locator: locator, opts: opts}, nil
}

// MustSetup is like Setup but panics on error. It suits package-level
// variables so the entry point is registered before main runs, which worker
// child processes rely on.
func MustSetup[TIn, TOut any](locator string, init entrypoint.Init[TIn, TOut], opts ...Option) *Definition[TIn, TOut] {
	d, err := Setup(locator, init, opts...)
	if err != nil {
		panic(err)
	}
	return d
}

// Locator returns the entry point the Definition creates handles for.
func (d *Definition[TIn, TOut]) Locator() string {
	return d.locator
}

// New starts a fresh isolated context and returns an independent handle to
// it. opts are applied after the Definition's own.
func (d *Definition[TIn, TOut]) New(ctx context.Context, opts ...Option) (*Handle[TIn, TOut], error) {
	all := make([]Option, 0, len(d.opts)+len(opts))
	all = append(all, d.opts...)
	all = append(all, opts...)
	return bind[TIn, TOut](ctx, d.locator, buildOptions(all))
}

// Constructor returns New in zero-argument form.
func (d *Definition[TIn, TOut]) Constructor() func() (*Handle[TIn, TOut], error) {
	return func() (*Handle[TIn, TOut], error) {
		return d.New(context.Background())
	}
}

// Create registers init under locator and immediately returns a handle bound
// to it. Like Setup it succeeds once per locator.
func Create[TIn, TOut any](ctx context.Context, locator string, init entrypoint.Init[TIn, TOut], opts ...Option) (*Handle[TIn, TOut], error) {
	d, err := Setup(locator, init, opts...)
	if err != nil {
		return nil, err
	}
	return d.New(ctx)
}

// Open returns a handle bound to an entry point registered elsewhere, for
// example by a package-level MustSetup or inside a guest agent.
func Open[TIn, TOut any](ctx context.Context, locator string, opts ...Option) (*Handle[TIn, TOut], error) {
	return bind[TIn, TOut](ctx, locator, buildOptions(opts))
}

// RawHandle passes JSON through unchanged. It serves callers that only know
// the entry point by name.
type RawHandle = Handle[json.RawMessage, json.RawMessage]

// OpenRaw is Open for RawHandle.
func OpenRaw(ctx context.Context, locator string, opts ...Option) (*RawHandle, error) {
	return Open[json.RawMessage, json.RawMessage](ctx, locator, opts...)
}

// bind launches the isolated context and wires a handle to it. Both the
// deferred and the eager constructors end here.
func bind[TIn, TOut any](ctx context.Context, locator string, o options) (*Handle[TIn, TOut], error) {
	tr, err := o.launcher.Launch(ctx, locator)
	if err != nil {
		return nil, fmt.Errorf("launch %q: %w", locator, err)
	}

	h := newHandle[TIn, TOut](locator, tr, o)
	h.record(func(ctx context.Context, r Recorder) error {
		return r.CreateHandle(ctx, &model.HandleRecord{
			ID:        h.id,
			Locator:   locator,
			Transport: o.kind(),
			State:     model.StateIdle,
			CreatedAt: time.Now().UTC(),
		})
	})
	h.start()
	h.logger.Info("worker started", "transport", o.kind())
	return h, nil
}
