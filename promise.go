package jsengine

import (
	"errors"
	"fmt"

	"github.com/dop251/goja"
)

// PromiseState defines the state of a promise: either pending, resolved, or
// rejected. Promises that are pending have no result value yet. A promise that
// is resolved has a result value, and a promise that is rejected has a result
// value that is usually the error.
type PromiseState uint8

const (
	PromiseStatePending PromiseState = iota
	PromiseStateResolved
	PromiseStateRejected
	kNumPromiseStates
)

var promiseStateStrings = [kNumPromiseStates]string{"Pending", "Resolved", "Rejected"}

func (s PromiseState) String() string {
	if s >= kNumPromiseStates {
		return fmt.Sprintf("InvalidPromiseState:%d", int(s))
	}
	return promiseStateStrings[s]
}

// PromiseInfo will return information about the promise if this value's
// underlying kind is KindPromise, otherwise it will return an error. If there
// is no error, then the returned value will depend on the promise state:
//
//	pending: nil
//	fulfilled: the value of the promise
//	rejected: the rejected result, usually a JS error
func (v *Value) PromiseInfo() (PromiseState, *Value, error) {
	if !v.IsKind(KindPromise) {
		return 0, nil, errors.New("Not a promise")
	}
	p, ok := v.val.Export().(*goja.Promise)
	if !ok {
		return 0, nil, errors.New("Not a promise")
	}
	switch p.State() {
	case goja.PromiseStateFulfilled:
		return PromiseStateResolved, v.ctx.newValue(p.Result()), nil
	case goja.PromiseStateRejected:
		return PromiseStateRejected, v.ctx.newValue(p.Result()), nil
	}
	return PromiseStatePending, nil, nil
}
