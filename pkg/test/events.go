package test

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

const receiveTimeout = 3 * time.Second

func receive[T any](ctx context.Context, ch <-chan T) (T, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, receiveTimeout)
	defer cancel()

	select {
	case <-ctx.Done():
		var zero T
		return zero, false, errors.WithStack(ctx.Err())
	case v, ok := <-ch:
		return v, ok, nil
	}
}

// AssertForefrontEvents asserts that the expected list of events was received on the actual channel.
func AssertForefrontEvents[T any](ctx context.Context, t *testing.T, actualCh <-chan T, expected ...T) bool {
	ok := true
	for i, e := range expected {
		val, valOK, err := receive(ctx, actualCh)
		//nolint:testifylint
		if !assert.NoErrorf(t, err, "timeout, index: %d", i) {
			return false
		}
		if !assert.Truef(t, valOK, "channel closed, index: %d", i) {
			return false
		}
		ok = assert.Equalf(t, e, val, "index: %d", i) && ok
	}
	return ok
}

// AssertEvents asserts that the expected list of events was received on the actual channel and no unexpected events
// are enqueued there.
func AssertEvents[T any](ctx context.Context, t *testing.T, actualCh <-chan T, expected ...T) bool {
	if !AssertForefrontEvents(ctx, t, actualCh, expected...) {
		return false
	}

	ok := true
	for {
		select {
		case val, valOK := <-actualCh:
			if !valOK {
				return ok
			}
			assert.Fail(t, "unexpected event", "%#v", val)
			ok = false
		default:
			return ok
		}
	}
}
