package jsengine

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileThenRunMatchesEvaluate(t *testing.T) {
	t.Parallel()
	ctx := newTestContext(t)
	engine := ctx.Isolate().Engine()

	const src = `[1, 2, 3].map(x => x * 2).join("-")`
	script, err := engine.Compile(src, "double.js", -1, -1)
	require.NoError(t, err)
	assert.Equal(t, "double.js", script.Name())
	assert.Equal(t, src, script.Source())

	require.NoError(t, ctx.Enter())
	compiled, err := engine.Run(script)
	require.NoError(t, ctx.Leave())
	require.NoError(t, err)

	evaluated, err := ctx.Evaluate(src, "double.js", -1, -1)
	require.NoError(t, err)
	assert.Equal(t, evaluated.String(), compiled.String())
	assert.Equal(t, "2-4-6", compiled.String())
}

func TestRunWithoutContext(t *testing.T) {
	t.Parallel()
	engine := NewIsolate().Engine()
	script, err := engine.Compile(`1 + 1`, "noctx.js", -1, -1)
	require.NoError(t, err, "compiling does not need a context")

	_, err = script.Run()
	var noCtx *NoContextError
	assert.True(t, errors.As(err, &noCtx), "got %T: %v", err, err)
}

func TestCompileErrorLine(t *testing.T) {
	t.Parallel()
	engine := NewIsolate().Engine()

	_, err := engine.Compile("var ok = 1;\nvar alsoOk = 2;\nfunction broken( {\n", "broken.js", -1, -1)
	var compileErr *CompileError
	require.True(t, errors.As(err, &compileErr), "got %T: %v", err, err)
	assert.Equal(t, "broken.js", compileErr.ResourceName)
	assert.Equal(t, 3, compileErr.Line)
	assert.Equal(t, "function broken( {", compileErr.SourceLine)
	assert.True(t, strings.HasPrefix(err.Error(), "SyntaxError: "), err.Error())
}

func TestCompileErrorUnbalancedBraces(t *testing.T) {
	t.Parallel()
	engine := NewIsolate().Engine()

	_, err := engine.Compile("function f() {\n  return 1;\n}}\nvar y = 2;\n", "braces.js", -1, -1)
	var compileErr *CompileError
	require.True(t, errors.As(err, &compileErr), "got %T: %v", err, err)
	assert.Equal(t, 3, compileErr.Line)
	assert.Equal(t, 2, compileErr.Column)
	assert.Equal(t, "}}", compileErr.SourceLine)
}

func TestRunAfterLeavingContext(t *testing.T) {
	t.Parallel()
	c1 := newTestContext(t)
	engine := c1.Isolate().Engine()

	require.NoError(t, c1.Enter())
	script, err := engine.Compile(`1+1`, "two.js", -1, -1)
	require.NoError(t, err)
	res, err := script.Run()
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.Int64())
	require.NoError(t, c1.Leave())

	_, err = script.Run()
	var noCtx *NoContextError
	assert.True(t, errors.As(err, &noCtx), "got %T: %v", err, err)
}

func TestScriptOriginOffsets(t *testing.T) {
	t.Parallel()
	ctx := newTestContext(t)

	_, err := ctx.Evaluate("\nthrow new Error('offset')", "offset.js", 10, 4)
	var jsErr *JavaScriptError
	require.True(t, errors.As(err, &jsErr), "got %T: %v", err, err)
	assert.Equal(t, "offset", jsErr.Message)
	assert.Equal(t, 12, jsErr.Line)
	assert.Equal(t, "throw new Error('offset')", jsErr.SourceLine)

	_, err = ctx.Evaluate("var x = ;", "syntax.js", 4, 0)
	var compileErr *CompileError
	require.True(t, errors.As(err, &compileErr), "got %T: %v", err, err)
	assert.Equal(t, 5, compileErr.Line)
}

func TestRuntimeThrowMessage(t *testing.T) {
	t.Parallel()
	ctx := newTestContext(t)

	_, err := ctx.Evaluate(`throw new RangeError("out of range")`, "throw.js", -1, -1)
	var jsErr *JavaScriptError
	require.True(t, errors.As(err, &jsErr))
	assert.Equal(t, "RangeError", jsErr.Name)
	assert.Equal(t, "out of range", jsErr.Message)
	require.NotNil(t, jsErr.Value)
	assert.True(t, jsErr.Value.IsKind(KindNativeError))
}

func TestScriptRunsInAnyContextOfItsIsolate(t *testing.T) {
	t.Parallel()
	iso := NewIsolate()
	a, err := iso.NewContext(map[string]interface{}{"who": "a"})
	require.NoError(t, err)
	b, err := iso.NewContext(map[string]interface{}{"who": "b"})
	require.NoError(t, err)

	script, err := iso.Engine().Compile(`who`, "who.js", -1, -1)
	require.NoError(t, err)

	for _, ctx := range []*Context{a, b} {
		require.NoError(t, ctx.Enter())
		res, err := script.Run()
		require.NoError(t, ctx.Leave())
		require.NoError(t, err)
		assert.Equal(t, res.String(), map[*Context]string{a: "a", b: "b"}[ctx])
	}
}

func TestScriptFromOtherIsolate(t *testing.T) {
	t.Parallel()
	script, err := NewIsolate().Engine().Compile(`1`, "one.js", -1, -1)
	require.NoError(t, err)

	ctx := newTestContext(t)
	require.NoError(t, ctx.Enter())
	defer ctx.Leave()
	_, err = ctx.Isolate().Engine().Run(script)
	assert.Error(t, err)
}

func TestScriptRelease(t *testing.T) {
	t.Parallel()
	ctx := newTestContext(t)
	engine := ctx.Isolate().Engine()

	script, err := engine.Compile(`"src"`, "rel.js", -1, -1)
	require.NoError(t, err)
	require.Equal(t, 1, ctx.Isolate().handles.count(handleScript))
	require.Equal(t, 1, ctx.Isolate().handles.count(handleString))

	require.NoError(t, script.Retain())
	require.NoError(t, script.Release())
	assert.Equal(t, `"src"`, script.Source())

	require.NoError(t, script.Release())
	assert.Equal(t, 0, ctx.Isolate().handles.count(handleScript))
	assert.Equal(t, 0, ctx.Isolate().handles.count(handleString))
	assert.Empty(t, script.Source())

	require.NoError(t, ctx.Enter())
	defer ctx.Leave()
	_, err = script.Run()
	assert.Equal(t, errScriptReleased, err)
}

func TestRunAfterTerminate(t *testing.T) {
	t.Parallel()
	ctx := newTestContext(t)
	script, err := ctx.Isolate().Engine().Compile(`1`, "t.js", -1, -1)
	require.NoError(t, err)

	ctx.Isolate().Terminate()
	require.NoError(t, ctx.Enter())
	defer ctx.Leave()
	_, err = script.Run()
	var terr *TerminatedError
	assert.True(t, errors.As(err, &terr), "got %T: %v", err, err)

	_, err = ctx.Isolate().Engine().Compile(`2`, "t2.js", -1, -1)
	assert.True(t, errors.As(err, &terr), "got %T: %v", err, err)
}

func TestWithOrigin(t *testing.T) {
	testcases := []struct {
		line, col int
		expected  string
	}{
		{-1, -1, "x"},
		{0, 0, "x"},
		{2, 0, "\n\nx"},
		{0, 3, "   x"},
		{1, 1, "\n x"},
	}
	for _, test := range testcases {
		if got := withOrigin("x", test.line, test.col); got != test.expected {
			t.Errorf("withOrigin(%d, %d) = %q, expected %q", test.line, test.col, got, test.expected)
		}
	}
}
