package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/augustoroman/jsengine"
)

// eventLoop runs timer callbacks on the goroutine that owns the context.
// Timers fire on their own goroutines and only queue work; drain executes it.
type eventLoop struct {
	ctx         *jsengine.Context
	tasks       chan func() error
	outstanding int
}

func newEventLoop(ctx *jsengine.Context) *eventLoop {
	return &eventLoop{ctx: ctx, tasks: make(chan func() error, 16)}
}

// sleep returns a promise resolved with its argument after that many
// milliseconds.
func (l *eventLoop) sleep(in jsengine.CallbackArgs) (*jsengine.Value, error) {
	if len(in.Args) == 0 {
		return nil, errors.New("sleep requires duration parameter (in msec)")
	}
	msec := in.Arg(0)
	dt := time.Duration(msec.Float64() * float64(time.Millisecond))
	promise, err := newPromise(l.ctx)
	if err != nil {
		return nil, err
	}
	l.outstanding++
	time.AfterFunc(dt, func() {
		l.tasks <- func() error {
			_, err := promise.Resolve.Call(nil, msec)
			return err
		}
	})
	return promise.Value, nil
}

// drain waits until every pending timer has fired, including timers started
// by the callbacks it runs.
func (l *eventLoop) drain() error {
	for l.outstanding > 0 {
		task := <-l.tasks
		l.outstanding--
		if err := task(); err != nil {
			return err
		}
	}
	return nil
}

type promise struct{ Value, Resolve, Reject *jsengine.Value }

func newPromise(ctx *jsengine.Context) (*promise, error) {
	promiseClass, err := ctx.Global().Get("Promise")
	if err != nil {
		return nil, fmt.Errorf("cannot get Promise class: %v", err)
	}
	var p promise
	p.Value, err = promiseClass.New(ctx.Bind(
		"promise_handler",
		func(args jsengine.CallbackArgs) (*jsengine.Value, error) {
			p.Resolve, p.Reject = args.Arg(0), args.Arg(1)
			return nil, nil
		}))
	return &p, err
}
