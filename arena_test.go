package jsengine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArenaRefCounting(t *testing.T) {
	a := newArena()
	var released []interface{}
	release := func(obj interface{}) error {
		released = append(released, obj)
		return nil
	}

	h := a.add(handleString, "payload", release)
	assert.Equal(t, "payload", a.get(h))
	assert.Equal(t, 1, a.refs(h))

	require.NoError(t, a.retain(h))
	assert.Equal(t, 2, a.refs(h))

	require.NoError(t, a.drop(h))
	assert.Empty(t, released)
	assert.Equal(t, "payload", a.get(h))

	require.NoError(t, a.drop(h))
	assert.Equal(t, []interface{}{"payload"}, released)
	assert.Nil(t, a.get(h))
	assert.Zero(t, a.refs(h))

	assert.Error(t, a.drop(h), "dropping a released handle")
	assert.Error(t, a.retain(h))
}

func TestArenaStaleHandles(t *testing.T) {
	a := newArena()
	old := a.add(handleScript, "first", nil)
	require.NoError(t, a.drop(old))

	// The slot is reused, but the old handle must not alias the new object.
	fresh := a.add(handleScript, "second", nil)
	assert.Equal(t, old.index, fresh.index)
	assert.NotEqual(t, old.gen, fresh.gen)
	assert.Nil(t, a.get(old))
	assert.Equal(t, "second", a.get(fresh))

	assert.Error(t, a.retain(handle{index: 99}))
}

func TestArenaCount(t *testing.T) {
	a := newArena()
	a.add(handleContext, 1, nil)
	a.add(handleScript, 2, nil)
	s := a.add(handleScript, 3, nil)
	a.add(handleString, 4, nil)

	assert.Equal(t, 4, a.count(0))
	assert.Equal(t, 2, a.count(handleScript))
	require.NoError(t, a.drop(s))
	assert.Equal(t, 1, a.count(handleScript))
	assert.Equal(t, 3, a.count(0))
}

func TestArenaReleaseAll(t *testing.T) {
	a := newArena()
	errA, errB := errors.New("a"), errors.New("b")
	var calls int
	fail := func(err error) func(interface{}) error {
		return func(interface{}) error {
			calls++
			return err
		}
	}

	h1 := a.add(handleContext, "x", fail(errA))
	require.NoError(t, a.retain(h1))
	a.add(handleContext, "y", fail(errB))
	a.add(handleString, "z", nil)

	err := a.releaseAll()
	assert.Equal(t, 2, calls)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
	assert.Zero(t, a.count(0))
	assert.Nil(t, a.get(h1))

	assert.NoError(t, a.releaseAll(), "nothing left to release")
}

func TestHandleKindString(t *testing.T) {
	assert.Equal(t, "context", handleContext.String())
	assert.Equal(t, "script", handleScript.String())
	assert.Equal(t, "string", handleString.String())
	assert.Equal(t, "handleKind(9)", handleKind(9).String())
}
