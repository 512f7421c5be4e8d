package runner

import (
	"context"

	"hookpilot/internal/hook"
)

// Func adapts an in-process function to hook.Handler.
type Func func(ctx context.Context, input map[string]any) (hook.Response, error)

func (f Func) Invoke(ctx context.Context, input map[string]any) (hook.Response, error) {
	return f(ctx, input)
}

// Static returns a handler that always answers resp.
func Static(resp hook.Response) hook.Handler {
	return Func(func(context.Context, map[string]any) (hook.Response, error) { return resp, nil })
}
