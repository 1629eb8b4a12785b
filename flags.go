package jsengine

import (
	"fmt"
	"math"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// defaultCallDepth is the engine's call depth when no stack limit is set.
const defaultCallDepth = math.MaxInt32

// EngineFlags are the process-wide settings changed by SetFlags. They apply
// to scripts compiled and contexts created after the change.
type EngineFlags struct {
	// UseStrict compiles every script in strict mode.
	UseStrict bool
	// StackSize is the default stack limit in KiB for new contexts in
	// isolates without an explicit SetStackLimit. Zero means unlimited.
	StackSize int
	// CompileCache enables the process-wide compiled program cache.
	CompileCache bool
	// ExposeGC installs a global gc() function in new contexts.
	ExposeGC bool
}

var (
	flagsMu sync.RWMutex
	flags   = EngineFlags{CompileCache: true}
)

// CurrentFlags returns the current engine flags.
func CurrentFlags() EngineFlags {
	flagsMu.RLock()
	defer flagsMu.RUnlock()
	return flags
}

// SetFlags sets engine flags from a command-line style string such as
// "--use_strict --stack_size=984". Underscores and dashes are
// interchangeable, boolean flags accept a "--no" prefix and flags this
// engine does not know are ignored.
func SetFlags(s string) error {
	flagsMu.Lock()
	defer flagsMu.Unlock()

	next := flags
	fs := pflag.NewFlagSet("jsengine", pflag.ContinueOnError)
	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
	fs.BoolVar(&next.UseStrict, "use-strict", next.UseStrict, "compile scripts in strict mode")
	fs.IntVar(&next.StackSize, "stack-size", next.StackSize, "default stack limit in KiB")
	fs.BoolVar(&next.CompileCache, "compile-cache", next.CompileCache, "cache compiled programs")
	fs.BoolVar(&next.ExposeGC, "expose-gc", next.ExposeGC, "expose gc() to javascript")

	var args []string
	for _, arg := range strings.Fields(s) {
		if !strings.HasPrefix(arg, "-") {
			continue
		}
		name := strings.TrimLeft(arg, "-")
		value := ""
		if idx := strings.IndexByte(name, '='); idx >= 0 {
			name, value = name[:idx], name[idx:]
		}
		name = strings.ReplaceAll(name, "_", "-")
		if base, ok := negatedBool(fs, name); ok && value == "" {
			args = append(args, "--"+base+"=false")
			continue
		}
		if fs.Lookup(name) == nil {
			Logger().Debug("ignoring unknown engine flag", zap.String("flag", arg))
			continue
		}
		args = append(args, "--"+name+value)
	}
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("engine flags %q: %w", s, err)
	}
	if next.StackSize < 0 {
		return fmt.Errorf("engine flags %q: stack_size must not be negative", s)
	}
	if !next.CompileCache {
		programs().clear()
	}
	flags = next
	Logger().Debug("engine flags set", zap.String("flags", s))
	return nil
}

// negatedBool reports whether name is a "no" prefixed boolean flag, as in
// --nouse_strict or --no-use-strict, and returns the flag it negates.
func negatedBool(fs *pflag.FlagSet, name string) (string, bool) {
	if fs.Lookup(name) != nil {
		return "", false
	}
	for _, prefix := range []string{"no-", "no"} {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		if f := fs.Lookup(name[len(prefix):]); f != nil && f.Value.Type() == "bool" {
			return f.Name, true
		}
	}
	return "", false
}

// Flags formats the current engine flags in the syntax SetFlags accepts.
func Flags() string {
	f := CurrentFlags()
	return fmt.Sprintf("--use_strict=%t --stack_size=%d --compile_cache=%t --expose_gc=%t",
		f.UseStrict, f.StackSize, f.CompileCache, f.ExposeGC)
}

// Version returns the version of the embedded javascript engine module.
func Version() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, dep := range info.Deps {
			if dep.Path == "github.com/dop251/goja" {
				return dep.Version
			}
		}
	}
	return "(devel)"
}

// SupportVersion returns the version of the Go runtime the engine runs on.
func SupportVersion() string { return runtime.Version() }

// IsDead reports whether the current isolate can no longer run javascript.
func IsDead() bool { return CurrentIsolate().IsDead() }

// TerminateAllThreads terminates javascript execution in the current isolate.
func TerminateAllThreads() { CurrentIsolate().Terminate() }

// SetStackLimit sets the stack limit of the current isolate. See
// Isolate.SetStackLimit.
func SetStackLimit(size uintptr) error { return CurrentIsolate().SetStackLimit(size) }

// LowMemory notifies the engine that the system is running low on memory.
func LowMemory() { CurrentIsolate().SendLowMemoryNotification() }

// Dispose permanently shuts the engine down. Every entered isolate and the
// default isolate are terminated and no new isolate can run javascript
// afterwards.
func Dispose() {
	if disposed.Swap(true) {
		return
	}
	isolatesMu.Lock()
	var isos []*Isolate
	for _, stack := range enteredIsolates {
		isos = append(isos, stack...)
	}
	if defaultIsolate != nil {
		isos = append(isos, defaultIsolate)
	}
	isolatesMu.Unlock()

	for _, iso := range isos {
		iso.terminate("engine disposed")
	}
	programs().clear()
	Logger().Info("engine disposed")
}

func exposedGC() { runtime.GC() }
