package hook

import "context"

//go:generate go run go.uber.org/mock/mockgen@v0.5.2 -source=handler.go -destination=mocks/handler.gen.go -package=mocks

// Response is what a handler returns for one invocation.
//
// Continue=false is treated as a failed execution. Fields are passed
// through to Result.Metadata.
type Response struct {
	Continue   bool
	Message    string
	TokenUsage int
	Fields     map[string]any
}

// Handler invokes a hook with the batch context.
type Handler interface {
	Invoke(ctx context.Context, input map[string]any) (Response, error)
}
