package jsengine

import "testing"

// newTestContext returns a context in a fresh isolate.
func newTestContext(t testing.TB) *Context {
	t.Helper()
	ctx, err := NewIsolate().NewContext(nil)
	if err != nil {
		t.Fatal(err)
	}
	return ctx
}

func mustEval(t testing.TB, ctx *Context, js string) *Value {
	t.Helper()
	res, err := ctx.Eval(js, "test.js")
	if err != nil {
		t.Fatalf("Error evaluating %#q: %v", js, err)
	}
	return res
}
