package deltasync

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestIsDoneErrorRecognizesShutdownStrings(t *testing.T) {
	assert.Equal(t, IsDoneError("closed"), true)
	assert.Equal(t, IsDoneError("Done"), true)
	assert.Equal(t, IsDoneError("boom"), false)
}

func TestIsDoneErrorRecognizesShutdownErrors(t *testing.T) {
	assert.Equal(t, IsDoneError(errors.New("closed")), true)
	assert.Equal(t, IsDoneError(errors.New("boom")), false)
}

func TestIsDoneErrorOtherTypesAreNotDone(t *testing.T) {
	assert.Equal(t, IsDoneError(42), false)
}

func TestHandleErrorRecoversPanicAndDispatches(t *testing.T) {
	var caught error
	r := HandleError(func() {
		panic(errors.New("boom"))
	}, func(err error) { caught = err })

	assert.NotEqual(t, r, nil)
	assert.Equal(t, caught.Error(), "boom")
}

func TestHandleErrorNoPanicReturnsNil(t *testing.T) {
	called := false
	r := HandleError(func() {}, func() { called = true })
	assert.Equal(t, r, nil)
	assert.Equal(t, called, false)
}

func TestHandleErrorWrapsNonErrorPanicValue(t *testing.T) {
	var caught error
	HandleError(func() {
		panic("plain string panic")
	}, func(err error) { caught = err })

	assert.Equal(t, caught.Error(), "plain string panic")
}
