package jsengine

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Engine flags are process-wide; these tests restore them and do not run in
// parallel.

func restoreFlags(t *testing.T) {
	saved := CurrentFlags()
	t.Cleanup(func() {
		flagsMu.Lock()
		flags = saved
		flagsMu.Unlock()
	})
}

func TestSetFlags(t *testing.T) {
	restoreFlags(t)

	require.NoError(t, SetFlags("--use_strict --stack-size=984 --no_compile_cache --unknown-flag=3 --harmony"))
	f := CurrentFlags()
	assert.True(t, f.UseStrict)
	assert.Equal(t, 984, f.StackSize)
	assert.False(t, f.CompileCache)
	assert.False(t, f.ExposeGC)

	assert.Equal(t, "--use_strict=true --stack_size=984 --compile_cache=false --expose_gc=false", Flags())

	require.NoError(t, SetFlags("--nouse_strict --use_strict=false --compile_cache"))
	f = CurrentFlags()
	assert.False(t, f.UseStrict)
	assert.True(t, f.CompileCache)
	assert.Equal(t, 984, f.StackSize, "unmentioned flags keep their value")
}

func TestSetFlagsRejectsBadValues(t *testing.T) {
	restoreFlags(t)
	before := CurrentFlags()

	assert.Error(t, SetFlags("--stack_size=lots"))
	assert.Error(t, SetFlags("--stack_size=-1"))
	assert.Equal(t, before, CurrentFlags())
}

func TestUseStrictFlag(t *testing.T) {
	restoreFlags(t)
	ctx := newTestContext(t)

	_, err := ctx.Eval(`undeclared = 1`, "sloppy.js")
	require.NoError(t, err)

	require.NoError(t, SetFlags("--use_strict"))
	_, err = ctx.Eval(`undeclaredToo = 1`, "strict.js")
	var jsErr *JavaScriptError
	require.True(t, errors.As(err, &jsErr), "got %v", err)
	assert.Equal(t, "ReferenceError", jsErr.Name)
}

func TestExposeGCFlag(t *testing.T) {
	restoreFlags(t)
	require.NoError(t, SetFlags("--expose_gc"))

	ctx := newTestContext(t)
	res, err := ctx.Eval(`gc(); typeof gc`, "gc.js")
	require.NoError(t, err)
	assert.Equal(t, "function", res.String())
}

func TestStackSizeFlag(t *testing.T) {
	restoreFlags(t)
	require.NoError(t, SetFlags("--stack_size=16"))

	iso := NewIsolate()
	assert.Equal(t, 16*1024/approxFrameBytes, iso.callDepth())
	require.NoError(t, iso.SetStackLimit(1<<20))
	assert.Equal(t, (1<<20)/approxFrameBytes, iso.callDepth(), "an explicit limit wins over the flag")
}

func TestVersions(t *testing.T) {
	assert.NotEmpty(t, Version())
	assert.True(t, strings.HasPrefix(SupportVersion(), "go"))
}
