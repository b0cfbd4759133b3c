package stages

import "context"

// Result is what a stage call produced. Confidence is set only by stages
// that score their own output.
type Result[O any] struct {
	Output     O
	Confidence *float64
}

// Client is one request/response call to an external stage service. The
// caller owns timeouts and retries; clients must not retry internally.
type Client[I, O any] interface {
	Invoke(ctx context.Context, in I) (Result[O], error)
}

type Func[I, O any] func(ctx context.Context, in I) (Result[O], error)

func (f Func[I, O]) Invoke(ctx context.Context, in I) (Result[O], error) { return f(ctx, in) }

// MediaStore persists generated media and returns a URL clients can fetch.
type MediaStore interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)
}
