package convex

import (
	"fmt"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestHandleError(t *testing.T) {
	r := HandleError(func() {})
	assert.Equal(t, r, nil)

	var handled error
	r = HandleError(
		func() {
			panic(fmt.Errorf("callback blew up"))
		},
		func(err error) {
			handled = err
		},
	)
	assert.NotEqual(t, r, nil)
	assert.Equal(t, handled.Error(), "callback blew up")

	// non-error panic values are wrapped for the handlers
	handled = nil
	HandleError(
		func() {
			panic("plain string")
		},
		func(err error) {
			handled = err
		},
	)
	assert.Equal(t, handled.Error(), "plain string")
}

func TestIsDoneError(t *testing.T) {
	assert.Equal(t, IsDoneError(fmt.Errorf("Done")), true)
	assert.Equal(t, IsDoneError("Done"), true)
	assert.Equal(t, IsDoneError(fmt.Errorf("not done")), false)
	assert.Equal(t, IsDoneError(42), false)
}

func TestTrace(t *testing.T) {
	calls := 0
	Trace("unit", func() {
		calls += 1
	})
	assert.Equal(t, calls, 1)

	result := TraceWithReturn("unit", func() int {
		return 7
	})
	assert.Equal(t, result, 7)

	value, err := TraceWithReturnError("unit", func() (string, error) {
		return "ok", nil
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, value, "ok")

	failErr := NewQueryError("failed")
	_, err = TraceWithReturnError("unit", func() (string, error) {
		return "", failErr
	})
	assert.Equal(t, err, failErr)
}
