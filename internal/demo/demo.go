// Package demo registers the example entry points shipped with the offload
// binary: an uppercasing function that counts the calls its context served.
package demo

import (
	"context"
	"fmt"
	"strings"

	"github.com/seantiz/offload/internal/entrypoint"
	"github.com/seantiz/offload/internal/worker"
)

// Locators of the demo entry points.
const (
	LocatorUpper      = "upper"
	LocatorUpperAsync = "upper-async"
)

// Upper and UpperAsync are registered in entrypoint.Default when the package
// is imported, so a re-executed child or guest agent can serve them.
var (
	Upper      = worker.MustSetup[string, string](LocatorUpper, UpperCounter)
	UpperAsync = worker.MustSetup[string, string](LocatorUpperAsync, UpperCounterAsync)
)

// UpperCounter returns a function that uppercases its input and appends the
// number of calls served by this context so far.
func UpperCounter() entrypoint.Func[string, string] {
	count := 0
	return func(_ context.Context, in string) (string, error) {
		count++
		return fmt.Sprintf("%s%d", strings.ToUpper(in), count), nil
	}
}

// UpperCounterAsync is UpperCounter delivering its result on a channel.
func UpperCounterAsync() entrypoint.Func[string, string] {
	count := 0
	return entrypoint.Async(func(ctx context.Context, in string) <-chan entrypoint.Result[string] {
		count++
		n := count
		ch := make(chan entrypoint.Result[string], 1)
		go func() {
			select {
			case <-ctx.Done():
				ch <- entrypoint.Result[string]{Err: ctx.Err()}
			default:
				ch <- entrypoint.Result[string]{Value: fmt.Sprintf("%s%d", strings.ToUpper(in), n)}
			}
		}()
		return ch
	})
}

// Scenario runs the two-handle demonstration: two independent handles from
// one definition, called alternately twice each. It returns the outputs in
// call order.
func Scenario(ctx context.Context, def *worker.Definition[string, string], opts ...worker.Option) ([]string, error) {
	a, err := def.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create handle A: %w", err)
	}
	defer a.Terminate()

	b, err := def.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create handle B: %w", err)
	}
	defer b.Terminate()

	steps := []struct {
		h  *worker.Handle[string, string]
		in string
	}{
		{a, "string one"},
		{b, "string two"},
		{a, "string one"},
		{b, "string two"},
	}

	out := make([]string, 0, len(steps))
	for _, s := range steps {
		res, err := s.h.Run(ctx, s.in)
		if err != nil {
			return out, fmt.Errorf("run %q: %w", s.in, err)
		}
		out = append(out, res)
	}
	return out, nil
}
