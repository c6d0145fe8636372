package health

import (
	"context"
	"runtime"

	"github.com/go-faster/errors"

	"github.com/xenking/fakestore-catalog/pkg/fetchstate"
)

// GoroutineCountCheck fails when more than threshold goroutines are running,
// which usually means loads or image downloads are leaking.
func GoroutineCountCheck(threshold int) CheckFunc {
	return func(_ context.Context) error {
		if n := runtime.NumGoroutine(); n > threshold {
			return errors.Errorf("goroutine count %d exceeds threshold %d", n, threshold)
		}
		return nil
	}
}

// StateCheck fails unless the fetch state returned by current is Loaded.
func StateCheck[T any](current func() fetchstate.State[T]) CheckFunc {
	return func(_ context.Context) error {
		st := current()
		switch st.Kind() {
		case fetchstate.Loaded:
			return nil
		case fetchstate.Failed:
			return errors.New(st.Message())
		default:
			return errors.New("still loading")
		}
	}
}
