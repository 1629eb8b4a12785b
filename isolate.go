package jsengine

import (
	"bytes"
	"fmt"
	"runtime"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"
)

// approxFrameBytes converts a stack limit in bytes into a javascript call
// depth. It is the average native stack consumed per javascript frame.
const approxFrameBytes = 256

var (
	isolatesMu      sync.Mutex
	enteredIsolates = map[uint64][]*Isolate{}
	defaultIsolate  *Isolate
	nextIsolateId   int32
	nextContextId   int32

	disposed atomic.Bool
)

// terminateSignal is the interrupt value used by Terminate.
type terminateSignal struct{ reason string }

// Isolate represents a single-threaded javascript engine instance. It can run
// multiple independent Contexts, however only one context will ever execute
// at a time.
//
// The per-thread state of an embedding (the stack of entered contexts, the
// context whose code is running and the context that called into host code)
// is owned by the isolate. Evaluate, Run and the Value operations serialize
// themselves, so contexts of one isolate may be used from many goroutines.
// Goroutines that drive the activation stack by hand (Enter, Run, Leave) must
// serialize those sequences through Lock and Unlock.
type Isolate struct {
	id      int
	handles *arena
	locker  sync.Mutex

	// exec is held while javascript runs in any context of the isolate and
	// while the activation stack changes. Host callbacks run on the goroutine
	// that holds it and may take it again.
	exec execLock

	// mu guards the fields below. It is never held while javascript runs, so
	// host callbacks can enter, leave and evaluate without deadlocking.
	mu         sync.Mutex
	entered    []*Context
	running    []*Context
	calling    []*Context
	contexts   map[int]*Context
	refs       int
	released   bool
	hostDone   bool
	stackLimit uintptr
	snapshot   *Snapshot

	terminated atomic.Bool
}

// NewIsolate creates a new Isolate.
func NewIsolate() *Isolate {
	iso := &Isolate{
		id:       int(atomic.AddInt32(&nextIsolateId, 1)),
		handles:  newArena(),
		contexts: map[int]*Context{},
		refs:     1,
	}
	Logger().Debug("isolate created", zap.Int("isolate", iso.id))
	return iso
}

// CurrentIsolate returns the isolate most recently entered by the calling
// goroutine. If it has entered none a default isolate is used, created on
// first use and replaced once it is dead.
func CurrentIsolate() *Isolate {
	isolatesMu.Lock()
	defer isolatesMu.Unlock()
	if stack := enteredIsolates[goroutineID()]; len(stack) > 0 {
		return stack[len(stack)-1]
	}
	if defaultIsolate == nil || defaultIsolate.IsDead() {
		defaultIsolate = NewIsolate()
	}
	return defaultIsolate
}

// Enter makes this the current isolate of the calling goroutine until the
// matching Exit.
func (i *Isolate) Enter() {
	gid := goroutineID()
	isolatesMu.Lock()
	enteredIsolates[gid] = append(enteredIsolates[gid], i)
	isolatesMu.Unlock()
}

// Exit undoes the calling goroutine's most recent Enter. Isolates must be
// exited in the reverse order they were entered, on the goroutine that entered
// them.
func (i *Isolate) Exit() error {
	gid := goroutineID()
	isolatesMu.Lock()
	defer isolatesMu.Unlock()
	stack := enteredIsolates[gid]
	n := len(stack)
	if n == 0 {
		return &ContextStackError{Op: "isolate exit", Reason: "no isolate is entered"}
	}
	if stack[n-1] != i {
		return &ContextStackError{Op: "isolate exit",
			Reason: fmt.Sprintf("isolate #%d is not the current isolate (#%d is)", i.id, stack[n-1].id)}
	}
	if n == 1 {
		delete(enteredIsolates, gid)
	} else {
		enteredIsolates[gid] = stack[:n-1]
	}
	return nil
}

// Lock acquires exclusive use of the isolate for the calling goroutine.
func (i *Isolate) Lock() { i.locker.Lock() }

// Unlock releases the lock acquired by Lock.
func (i *Isolate) Unlock() { i.locker.Unlock() }

// NewContext creates a new Context in this isolate. See NewContext.
func (i *Isolate) NewContext(global interface{}, extensions ...string) (*Context, error) {
	return newContext(i, global, extensions)
}

// Engine returns an Engine that compiles and runs scripts in this isolate.
func (i *Isolate) Engine() *Engine { return &Engine{iso: i} }

// Terminate will interrupt all operation in this Isolate, interrupting any
// Contexts that are executing. This may be called from any goroutine at any
// time. A terminated isolate cannot be used again.
func (i *Isolate) Terminate() { i.terminate("terminated by host") }

func (i *Isolate) terminate(reason string) {
	if i.terminated.Swap(true) {
		return
	}
	i.mu.Lock()
	ctxs := make([]*Context, 0, len(i.contexts))
	for _, ctx := range i.contexts {
		ctxs = append(ctxs, ctx)
	}
	i.mu.Unlock()
	for _, ctx := range ctxs {
		if rt := ctx.rt(); rt != nil {
			rt.Interrupt(terminateSignal{reason})
		}
	}
	Logger().Debug("isolate terminated", zap.Int("isolate", i.id), zap.String("reason", reason))
}

// IsDead reports whether the isolate was terminated or released, or the
// engine was disposed.
func (i *Isolate) IsDead() bool {
	if disposed.Load() || i.terminated.Load() {
		return true
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.released
}

// usable returns the error an operation on this isolate should fail with, if
// any.
func (i *Isolate) usable() error {
	if disposed.Load() {
		return &EngineInitError{Reason: "engine has been disposed"}
	}
	if i.terminated.Load() {
		return &TerminatedError{Reason: "isolate was terminated"}
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.released {
		return &EngineInitError{Reason: fmt.Sprintf("isolate #%d has been released", i.id)}
	}
	return nil
}

// Release drops the host's reference to the isolate. Its resources are freed
// once every Context created in it has been released too. Only the first call
// has an effect.
func (i *Isolate) Release() error {
	i.mu.Lock()
	if i.hostDone || i.released {
		i.mu.Unlock()
		return nil
	}
	i.hostDone = true
	i.mu.Unlock()
	return i.unref()
}

// lockExec acquires the execution lock and returns the matching unlock.
func (i *Isolate) lockExec() func() {
	i.exec.lock()
	return i.exec.unlock
}

// execLock is a mutex that the goroutine holding it may acquire again. A host
// callback that evaluates code in its own isolate reenters the lock, while
// other goroutines wait until the outermost call returns. A callback that
// hands work on its isolate to another goroutine and waits for it deadlocks.
type execLock struct {
	mu     sync.Mutex
	state  sync.Mutex
	holder uint64
	depth  int
}

func (l *execLock) lock() {
	gid := goroutineID()
	l.state.Lock()
	if l.depth > 0 && l.holder == gid {
		l.depth++
		l.state.Unlock()
		return
	}
	l.state.Unlock()

	l.mu.Lock()
	l.state.Lock()
	l.holder, l.depth = gid, 1
	l.state.Unlock()
}

func (l *execLock) unlock() {
	l.state.Lock()
	l.depth--
	if l.depth > 0 {
		l.state.Unlock()
		return
	}
	l.holder = 0
	l.state.Unlock()
	l.mu.Unlock()
}

// goroutineID parses the id out of the "goroutine N [" header of the current
// stack.
func goroutineID() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}

func (i *Isolate) ref() {
	i.mu.Lock()
	i.refs++
	i.mu.Unlock()
}

func (i *Isolate) unref() error {
	i.mu.Lock()
	i.refs--
	if i.refs > 0 {
		i.mu.Unlock()
		return nil
	}
	i.released = true
	i.mu.Unlock()

	Logger().Debug("isolate released", zap.Int("isolate", i.id))
	return i.handles.releaseAll()
}

// InContext reports whether any context is entered in this isolate.
func (i *Isolate) InContext() bool { return i.EnteredContext() != nil }

// EnteredContext returns the context at the top of the activation stack.
func (i *Isolate) EnteredContext() *Context {
	i.mu.Lock()
	defer i.mu.Unlock()
	if n := len(i.entered); n > 0 {
		return i.entered[n-1]
	}
	return nil
}

// CurrentContext returns the context whose code is executing, or the entered
// context if no javascript is running.
func (i *Isolate) CurrentContext() *Context {
	i.mu.Lock()
	defer i.mu.Unlock()
	if n := len(i.running); n > 0 {
		return i.running[n-1]
	}
	if n := len(i.entered); n > 0 {
		return i.entered[n-1]
	}
	return nil
}

// CallingContext returns the context of the javascript code that called into
// the host callback currently executing, or nil outside of a callback.
func (i *Isolate) CallingContext() *Context {
	i.mu.Lock()
	defer i.mu.Unlock()
	if n := len(i.calling); n > 0 {
		return i.calling[n-1]
	}
	return nil
}

func (i *Isolate) enter(ctx *Context) {
	i.mu.Lock()
	i.entered = append(i.entered, ctx)
	i.mu.Unlock()
}

func (i *Isolate) leave(ctx *Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	n := len(i.entered)
	if n == 0 {
		return &ContextStackError{Op: "leave", Reason: fmt.Sprintf("context #%d was never entered", ctx.id)}
	}
	if top := i.entered[n-1]; top != ctx {
		return &ContextStackError{Op: "leave",
			Reason: fmt.Sprintf("context #%d is not the innermost entered context (#%d is)", ctx.id, top.id)}
	}
	i.entered = i.entered[:n-1]
	return nil
}

func (i *Isolate) isEntered(ctx *Context) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, c := range i.entered {
		if c == ctx {
			return true
		}
	}
	return false
}

func (i *Isolate) pushRunning(ctx *Context) {
	i.mu.Lock()
	i.running = append(i.running, ctx)
	i.mu.Unlock()
}

func (i *Isolate) popRunning() {
	i.mu.Lock()
	if n := len(i.running); n > 0 {
		i.running = i.running[:n-1]
	}
	i.mu.Unlock()
}

func (i *Isolate) pushCalling(ctx *Context) {
	i.mu.Lock()
	i.calling = append(i.calling, ctx)
	i.mu.Unlock()
}

func (i *Isolate) popCalling() {
	i.mu.Lock()
	if n := len(i.calling); n > 0 {
		i.calling = i.calling[:n-1]
	}
	i.mu.Unlock()
}

// forget drops every reference the isolate holds to a released context.
func (i *Isolate) forget(ctx *Context) {
	i.mu.Lock()
	delete(i.contexts, ctx.id)
	i.entered = without(i.entered, ctx)
	i.running = without(i.running, ctx)
	i.calling = without(i.calling, ctx)
	i.mu.Unlock()
}

func without(stack []*Context, ctx *Context) []*Context {
	out := stack[:0]
	for _, c := range stack {
		if c != ctx {
			out = append(out, c)
		}
	}
	return out
}

// SetStackLimit limits the native stack available to javascript in this
// isolate to size bytes below the current stack position. A size of zero
// restores the engine default. If the computation would wrap around the
// address space the limit is left unchanged and ErrStackLimitOverflow is
// returned.
func (i *Isolate) SetStackLimit(size uintptr) error {
	var here uint32
	top := uintptr(unsafe.Pointer(&here))
	if limit := top - size; limit > top {
		Logger().Error("stack limit rejected",
			zap.Int("isolate", i.id), zap.Uint64("size", uint64(size)), zap.Error(ErrStackLimitOverflow))
		return ErrStackLimitOverflow
	}

	i.mu.Lock()
	i.stackLimit = size
	ctxs := make([]*Context, 0, len(i.contexts))
	for _, ctx := range i.contexts {
		ctxs = append(ctxs, ctx)
	}
	i.mu.Unlock()

	depth := i.callDepth()
	for _, ctx := range ctxs {
		if rt := ctx.rt(); rt != nil {
			rt.SetMaxCallStackSize(depth)
		}
	}
	return nil
}

// StackLimit returns the limit set by SetStackLimit, or zero.
func (i *Isolate) StackLimit() uintptr {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.stackLimit
}

// callDepth is the javascript call depth matching the isolate's stack limit,
// falling back to the --stack_size engine flag.
func (i *Isolate) callDepth() int {
	size := uint64(i.StackLimit())
	if size == 0 {
		size = uint64(CurrentFlags().StackSize) * 1024
	}
	if size == 0 {
		return defaultCallDepth
	}
	depth := size / approxFrameBytes
	if depth < 1 {
		depth = 1
	}
	if depth > defaultCallDepth {
		depth = defaultCallDepth
	}
	return int(depth)
}

// HeapStatistics represent statistics about the heap memory usage. The engine
// allocates from the Go heap, so these describe the process heap.
type HeapStatistics struct {
	TotalHeapSize           uint64
	TotalHeapSizeExecutable uint64
	TotalPhysicalSize       uint64
	TotalAvailableSize      uint64
	UsedHeapSize            uint64
	HeapSizeLimit           uint64
	MallocedMemory          uint64
	PeakMallocedMemory      uint64
	DoesZapGarbage          bool
}

// GetHeapStatistics gets statistics about the heap memory usage.
func (i *Isolate) GetHeapStatistics() HeapStatistics {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return HeapStatistics{
		TotalHeapSize:      ms.HeapSys,
		TotalPhysicalSize:  ms.Sys,
		TotalAvailableSize: ms.HeapIdle,
		UsedHeapSize:       ms.HeapAlloc,
		HeapSizeLimit:      uint64(debug.SetMemoryLimit(-1)),
		MallocedMemory:     ms.HeapInuse,
		PeakMallocedMemory: ms.TotalAlloc,
	}
}

// SendLowMemoryNotification sends an optional notification that the
// system is running low on memory.
func (i *Isolate) SendLowMemoryNotification() {
	programs().clear()
	debug.FreeOSMemory()
}
