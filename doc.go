// Package jsengine embeds a javascript engine in Go programs.
//
// This allows running javascript within a go executable. The engine is
// github.com/dop251/goja, so no cgo or external library is needed.
//
// The package provides two main concepts for managing javascript state:
// Isolates and Contexts. An isolate represents a single-threaded javascript
// engine that can manage one or more contexts. A context is a sandboxed
// javascript execution environment with its own global object.
//
// Thus, if you have one isolate, you could safely execute independent code in
// many different contexts created in that isolate. The code in the various
// contexts would not interfere with each other, however no more than one
// context would ever be executing at a given time.
//
// If you have multiple isolates, they may be executing in separate goroutines
// simultaneously.
//
// Contexts are entered and left in strictly nested order. An Engine compiles
// source into Scripts and runs them in the innermost entered context of its
// isolate:
//
//	ctx, _ := jsengine.NewContext(nil)
//	ctx.Enter()
//	defer ctx.Leave()
//	script, _ := jsengine.NewEngine().Compile(`1 + 2`, "sum.js", -1, -1)
//	res, _ := script.Run()
//
// Host functions can be bound directly with Context.Bind, or packaged with
// javascript source as an Extension. Extensions are registered once per
// process and installed into the contexts that enable them; their "native
// function" declarations are resolved by name through a Resolver when each
// context is created.
//
// Failures are reported as typed errors: *CompileError, *JavaScriptError,
// *HostSideError, *NoContextError, *ContextStackError,
// *MissingDependencyError, *TerminatedError, *EngineInitError and
// *SecurityError.
package jsengine
