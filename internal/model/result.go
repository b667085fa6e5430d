package model

// Result is what the public API hands back: a success flag, the payload and a
// typed error. Expected failures never surface as panics.
type Result[T any] struct {
	OK    bool   `json:"ok"`
	Value T      `json:"value"`
	Err   *Error `json:"error,omitempty"`
}

func Ok[T any](v T) Result[T] {
	return Result[T]{OK: true, Value: v}
}

func Fail[T any](err *Error) Result[T] {
	return Result[T]{Err: err}
}

// FailErr wraps a plain error, classifying it via AsError.
func FailErr[T any](op string, err error) Result[T] {
	return Result[T]{Err: AsError(op, err)}
}

// Unwrap returns the value and the error as a Go pair.
func (r Result[T]) Unwrap() (T, error) {
	if r.OK {
		return r.Value, nil
	}
	if r.Err == nil {
		var zero T
		return zero, NewError(ErrKindIO, "", "", "unknown failure")
	}
	return r.Value, r.Err
}
