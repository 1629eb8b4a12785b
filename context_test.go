package jsengine

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnterLeaveNesting(t *testing.T) {
	t.Parallel()
	iso := NewIsolate()
	a, err := iso.NewContext(nil)
	require.NoError(t, err)
	b, err := iso.NewContext(nil)
	require.NoError(t, err)

	assert.False(t, iso.InContext())
	require.NoError(t, a.Enter())
	require.NoError(t, b.Enter())
	assert.True(t, a.IsEntered())
	assert.True(t, b.IsEntered())
	assert.Same(t, b, iso.EnteredContext())

	// Leaving a before b is a misuse and leaves the stack untouched.
	err = a.Leave()
	var stackErr *ContextStackError
	require.True(t, errors.As(err, &stackErr), "got %v", err)
	assert.Same(t, b, iso.EnteredContext())

	require.NoError(t, b.Leave())
	assert.Same(t, a, iso.EnteredContext())
	require.NoError(t, a.Leave())
	assert.Nil(t, iso.EnteredContext())
	assert.False(t, a.IsEntered())

	// Leaving with nothing entered is also rejected.
	require.True(t, errors.As(a.Leave(), &stackErr))
}

func TestReleasedContextIsNeverEntered(t *testing.T) {
	t.Parallel()
	iso := NewIsolate()
	ctx, err := iso.NewContext(nil)
	require.NoError(t, err)

	require.NoError(t, ctx.Enter())
	require.True(t, ctx.IsEntered())
	require.NoError(t, ctx.Release())

	assert.False(t, ctx.IsEntered())
	assert.Nil(t, iso.EnteredContext())
	assert.Error(t, ctx.Enter())
	_, err = ctx.Eval(`1`, "x.js")
	assert.Error(t, err)
}

func TestContextRetainRelease(t *testing.T) {
	t.Parallel()
	iso := NewIsolate()
	ctx, err := iso.NewContext(nil)
	require.NoError(t, err)
	require.Equal(t, 1, iso.handles.count(handleContext))

	require.NoError(t, ctx.Retain())
	require.NoError(t, ctx.Release())
	_, err = ctx.Eval(`1`, "x.js")
	require.NoError(t, err, "context must survive while a reference remains")

	require.NoError(t, ctx.Release())
	assert.Equal(t, 0, iso.handles.count(handleContext))
	assert.Nil(t, ctx.Global())
	assert.Error(t, ctx.Retain())
}

func TestIsolateOutlivesReleaseUntilContextsGone(t *testing.T) {
	t.Parallel()
	iso := NewIsolate()
	ctx, err := iso.NewContext(nil)
	require.NoError(t, err)

	require.NoError(t, iso.Release())
	assert.False(t, iso.IsDead(), "a live context keeps its isolate")
	_, err = ctx.Eval(`1`, "x.js")
	require.NoError(t, err)

	require.NoError(t, ctx.Release())
	assert.True(t, iso.IsDead())

	_, err = iso.NewContext(nil)
	var initErr *EngineInitError
	assert.True(t, errors.As(err, &initErr), "got %v", err)
}

func TestIsolateReleaseIsIdempotent(t *testing.T) {
	t.Parallel()
	iso := NewIsolate()
	ctx, err := iso.NewContext(nil)
	require.NoError(t, err)

	require.NoError(t, iso.Release())
	require.NoError(t, iso.Release())
	assert.False(t, iso.IsDead(), "only the host reference was dropped")

	res, err := ctx.Eval(`1+1`, "alive.js")
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.Int64())

	require.NoError(t, ctx.Release())
	assert.True(t, iso.IsDead())
}

func TestReleasedContextValuesAreUnusable(t *testing.T) {
	t.Parallel()
	ctx := newTestContext(t)
	fn := mustEval(t, ctx, `(function() { return "ran"; })`)
	obj := mustEval(t, ctx, `({ a: 1 })`)
	ctor := mustEval(t, ctx, `(function Thing() { this.x = 1; })`)

	require.NoError(t, ctx.Release())

	res, err := fn.Call(nil)
	assert.Nil(t, res)
	assert.True(t, errors.Is(err, errContextReleased), "got %v", err)

	_, err = ctor.New()
	assert.True(t, errors.Is(err, errContextReleased), "got %v", err)

	_, err = obj.Get("a")
	assert.True(t, errors.Is(err, errContextReleased), "got %v", err)
}

func TestConcurrentEvaluateInOneIsolate(t *testing.T) {
	t.Parallel()
	iso := NewIsolate()

	const workers, rounds = 8, 200
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		ctx, err := iso.NewContext(nil)
		require.NoError(t, err)
		name := fmt.Sprintf("worker-%d", w)
		mustEval(t, ctx, fmt.Sprintf(`var who = %q;`, name))

		wg.Add(1)
		go func(ctx *Context, name string) {
			defer wg.Done()
			for n := 0; n < rounds; n++ {
				res, err := ctx.Eval(`var x = 0; for (var i = 0; i < 50; i++) { x += i; } who`, "who.js")
				if err != nil {
					t.Errorf("%s: %v", name, err)
					return
				}
				if got := res.String(); got != name {
					t.Errorf("%s: ran in the wrong context, got %q", name, got)
					return
				}
			}
		}(ctx, name)
	}
	wg.Wait()
	assert.False(t, iso.InContext())
}

func TestCallbacksReenterWhileOthersEvaluate(t *testing.T) {
	t.Parallel()
	iso := NewIsolate()

	const workers = 4
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		ctx, err := iso.NewContext(nil)
		require.NoError(t, err)
		inner := func(in CallbackArgs) (*Value, error) {
			if calling := in.Context.Isolate().CallingContext(); calling != in.Context {
				return nil, fmt.Errorf("calling context is %v", calling)
			}
			return in.Context.Eval(`base * 2`, "inner.js")
		}
		require.NoError(t, ctx.Global().Set("inner", ctx.Bind("inner", inner)))
		mustEval(t, ctx, fmt.Sprintf(`var base = %d;`, w))

		wg.Add(1)
		go func(ctx *Context, w int) {
			defer wg.Done()
			for n := 0; n < 50; n++ {
				res, err := ctx.Eval(`inner() + 1`, "outer.js")
				if err != nil {
					t.Errorf("worker %d: %v", w, err)
					return
				}
				if got := res.Int64(); got != int64(2*w+1) {
					t.Errorf("worker %d: got %d", w, got)
					return
				}
			}
		}(ctx, w)
	}
	wg.Wait()
}

func TestSecurityTokenRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := newTestContext(t)

	assert.Nil(t, ctx.SecurityToken())
	token := []byte{0, 1, 2, 'x'}
	ctx.SetSecurityToken(token)
	assert.Equal(t, token, ctx.SecurityToken())

	// The context keeps its own copy.
	token[0] = 9
	assert.Equal(t, []byte{0, 1, 2, 'x'}, ctx.SecurityToken())

	ctx.SetSecurityToken(nil)
	assert.Nil(t, ctx.SecurityToken())
}

func TestContextGlobalObject(t *testing.T) {
	t.Parallel()
	ctx, err := NewIsolate().NewContext(map[string]interface{}{
		"answer":   42,
		"greeting": "hi",
		"double": Callback(func(in CallbackArgs) (*Value, error) {
			return in.Context.Create(in.Arg(0).Int64() * 2)
		}),
	})
	require.NoError(t, err)

	res, err := ctx.Eval(`greeting + " " + double(answer)`, "global.js")
	require.NoError(t, err)
	assert.Equal(t, "hi 84", res.String())
}

func TestContextGlobalMustBeObject(t *testing.T) {
	t.Parallel()
	_, err := NewIsolate().NewContext(5)
	var initErr *EngineInitError
	assert.True(t, errors.As(err, &initErr), "got %v", err)
}

func TestCurrentAndCallingContext(t *testing.T) {
	t.Parallel()
	iso := NewIsolate()
	outer, err := iso.NewContext(nil)
	require.NoError(t, err)
	inner, err := iso.NewContext(nil)
	require.NoError(t, err)

	type snapshot struct{ entered, current, calling *Context }
	var seen []snapshot
	record := func(in CallbackArgs) (*Value, error) {
		seen = append(seen, snapshot{iso.EnteredContext(), iso.CurrentContext(), iso.CallingContext()})
		return nil, nil
	}
	require.NoError(t, inner.Global().Set("record", inner.Bind("record", record)))
	innerFn, err := inner.Eval(`(function() { record(); })`, "inner.js")
	require.NoError(t, err)

	callInner := func(in CallbackArgs) (*Value, error) {
		record(in)
		_, err := innerFn.Call(nil)
		return nil, err
	}
	require.NoError(t, outer.Global().Set("callInner", outer.Bind("callInner", callInner)))

	require.NoError(t, outer.Enter())
	script, err := iso.Engine().Compile(`callInner()`, "outer.js", -1, -1)
	require.NoError(t, err)
	_, err = script.Run()
	require.NoError(t, err)
	require.NoError(t, outer.Leave())

	require.Len(t, seen, 2)
	assert.Equal(t, snapshot{outer, outer, outer}, seen[0])
	assert.Equal(t, snapshot{outer, inner, inner}, seen[1])

	assert.Nil(t, iso.CurrentContext())
	assert.Nil(t, iso.CallingContext())
}

func TestNestedEvaluateFromCallback(t *testing.T) {
	t.Parallel()
	ctx := newTestContext(t)

	nested := func(in CallbackArgs) (*Value, error) {
		return in.Context.Eval(`40 + 2`, "nested.js")
	}
	require.NoError(t, ctx.Global().Set("nested", ctx.Bind("nested", nested)))

	res, err := ctx.Eval(`nested() + 1`, "outer.js")
	require.NoError(t, err)
	assert.EqualValues(t, 43, res.Int64())
	assert.False(t, ctx.IsEntered())
}

func TestHostErrorWinsOverJavaScriptError(t *testing.T) {
	t.Parallel()
	ctx := newTestContext(t)

	boom := ctx.Bind("boom", func(CallbackArgs) (*Value, error) { panic("host failure") })
	require.NoError(t, ctx.Global().Set("boom", boom))

	_, err := ctx.Eval(`boom(); throw new Error("js failure")`, "both.js")
	var hostErr *HostSideError
	require.True(t, errors.As(err, &hostErr), "got %T: %v", err, err)
	assert.Equal(t, "boom", hostErr.Callback)
	assert.Contains(t, hostErr.Error(), "host failure")
}

func TestIsolateEnterExit(t *testing.T) {
	iso := NewIsolate()
	iso.Enter()
	assert.Same(t, iso, CurrentIsolate())

	ctx, err := NewContext(nil)
	require.NoError(t, err)
	assert.Same(t, iso, ctx.Isolate())

	other := NewIsolate()
	var stackErr *ContextStackError
	assert.True(t, errors.As(other.Exit(), &stackErr))

	require.NoError(t, iso.Exit())
	assert.NotSame(t, iso, CurrentIsolate())
	assert.Same(t, CurrentIsolate(), CurrentIsolate(), "the default isolate is reused")
}

func TestEnteredIsolateIsPerGoroutine(t *testing.T) {
	iso := NewIsolate()
	iso.Enter()
	defer iso.Exit()

	seen := make(chan *Isolate)
	exitErr := make(chan error)
	go func() {
		seen <- CurrentIsolate()
		exitErr <- iso.Exit()
	}()
	assert.NotSame(t, iso, <-seen)
	var stackErr *ContextStackError
	assert.True(t, errors.As(<-exitErr, &stackErr), "exit from another goroutine")
	assert.Same(t, iso, CurrentIsolate())
}

func TestPackageLevelContextQueries(t *testing.T) {
	iso := NewIsolate()
	iso.Enter()
	defer iso.Exit()

	ctx, err := NewContext(nil)
	require.NoError(t, err)
	assert.False(t, InContext())

	require.NoError(t, ctx.Enter())
	assert.True(t, InContext())
	assert.Same(t, ctx, EnteredContext())
	assert.Same(t, ctx, CurrentContext())
	assert.Nil(t, CallingContext())

	res, err := NewEngine().Compile(`"engine"`, "engine.js", -1, -1)
	require.NoError(t, err)
	val, err := res.Run()
	require.NoError(t, err)
	assert.Equal(t, "engine", val.String())
	require.NoError(t, ctx.Leave())
}

func TestStackLimit(t *testing.T) {
	t.Parallel()
	iso := NewIsolate()
	ctx, err := iso.NewContext(nil)
	require.NoError(t, err)

	require.NoError(t, iso.SetStackLimit(64<<10))
	assert.EqualValues(t, 64<<10, iso.StackLimit())

	_, err = ctx.Eval(`function f(n) { return f(n + 1) + 1; } f(0)`, "deep.js")
	var jsErr *JavaScriptError
	require.True(t, errors.As(err, &jsErr), "got %T: %v", err, err)
	assert.Equal(t, "RangeError", jsErr.Name)

	// The context recovers.
	res, err := ctx.Eval(`1 + 1`, "ok.js")
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.Int64())
}

func TestStackLimitOverflowIsRejected(t *testing.T) {
	t.Parallel()
	iso := NewIsolate()
	require.NoError(t, iso.SetStackLimit(1<<20))

	err := iso.SetStackLimit(^uintptr(0))
	assert.Equal(t, ErrStackLimitOverflow, err)
	assert.EqualValues(t, 1<<20, iso.StackLimit(), "a rejected limit leaves the old one")

	require.NoError(t, iso.SetStackLimit(0))
	assert.Zero(t, iso.StackLimit())
}

func TestHeapStatistics(t *testing.T) {
	t.Parallel()
	iso := NewIsolate()
	stats := iso.GetHeapStatistics()
	assert.NotZero(t, stats.TotalHeapSize)
	assert.NotZero(t, stats.UsedHeapSize)
	iso.SendLowMemoryNotification()
}

func TestIsolateLock(t *testing.T) {
	t.Parallel()
	ctx := newTestContext(t)
	iso := ctx.Isolate()

	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			iso.Lock()
			defer iso.Unlock()
			if _, err := ctx.Eval(`counter = (typeof counter === "undefined" ? 0 : counter) + 1`, "lock.js"); err != nil {
				t.Error(err)
			}
		}()
	}
	for i := 0; i < 4; i++ {
		<-done
	}
	res, err := ctx.Eval(`counter`, "lock.js")
	require.NoError(t, err)
	assert.EqualValues(t, 4, res.Int64())
}
