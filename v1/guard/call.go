package guard

import (
	"context"

	"github.com/mirkobrombin/go-guard/v1/keyres"
)

// Call is Do for operations that return a value. The value fn returned is
// passed through even when fn also returned an error.
func Call[T any](ctx context.Context, g *Guard, d Descriptor, args keyres.Args, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := g.Do(ctx, d, args, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}

// Wrap decorates fn so that every call runs under d. bind maps the call
// argument to the names used by the key template.
func Wrap[A, R any](g *Guard, d Descriptor, bind func(A) keyres.Args, fn func(context.Context, A) (R, error)) func(context.Context, A) (R, error) {
	return func(ctx context.Context, a A) (R, error) {
		var args keyres.Args
		if bind != nil {
			args = bind(a)
		}
		return Call(ctx, g, d, args, func(ctx context.Context) (R, error) {
			return fn(ctx, a)
		})
	}
}

// Arg binds the whole call argument under name.
func Arg[A any](name string) func(A) keyres.Args {
	return func(a A) keyres.Args {
		return keyres.Args{name: a}
	}
}
