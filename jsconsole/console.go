// Package jsconsole provides a simple console implementation to allow JS to
// log messages.
//
// It supports the console.log, console.info, console.warn, and console.error
// functions and logs the result of .ToString() on each of the arguments.  It
// can color warning and error messages, but does not support Chrome's fancy
// %c message styling.
//
// The console can be injected into a single Context with Inject, or
// registered as an extension so that it is installed in every context that
// asks for it.
package jsconsole

import (
	"fmt"
	"io"
	"os"

	"github.com/augustoroman/jsengine"
	"golang.org/x/term"
)

const (
	kRESET    = "\033[0m"
	kNO_COLOR = ""
	kRED      = "\033[91m"
	kYELLOW   = "\033[93m"
)

// Config holds configuration for a particular console instance.
type Config struct {
	// Prefix to prepend to every log message.
	Prefix string
	// Destination for all .log and .info calls.
	Stdout io.Writer
	// Destination for all .warn and .error calls.
	Stderr io.Writer
	// Whether to enable ANSI color escape codes in the output.
	Colorize bool
}

// Default returns a console writing to the process stdout and stderr, with
// color enabled when stderr is a terminal.
func Default() Config {
	return Config{Stdout: os.Stdout, Stderr: os.Stderr, Colorize: AutoColor(os.Stderr)}
}

// AutoColor reports whether w is a terminal that can show color escapes.
func AutoColor(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Inject sets the global "console" object of the specified Context to bind
// .log, .info, .warn, and .error to call this Console object.  If the console
// object already exists in the global namespace, only the log/info/warn/error
// properties are replaced.
func (c Config) Inject(ctx *jsengine.Context) {
	ob, _ := ctx.Global().Get("console")
	if ob == nil || !ob.IsKind(jsengine.KindObject) || ob.IsKind(jsengine.KindFunction) {
		// If the object doesn't already exist, create a new object from scratch
		// and inject the whole thing.
		created, err := ctx.Create(map[string]interface{}{
			"log":   c.Log,
			"info":  c.Info,
			"warn":  c.Warn,
			"error": c.Error,
		})
		if err != nil {
			// This should never happen: our map is well-defined for ctx.Create.
			panic(fmt.Errorf("cannot create console object: %v", err))
		}
		ob = created
	} else {
		// If the console object already exists, just replace the logging
		// methods.
		for _, fn := range c.functions() {
			if err := ob.Set(fn.name, ctx.Bind(fn.name, fn.callback)); err != nil {
				panic(fmt.Errorf("cannot set %s on console object: %v", fn.name, err))
			}
		}
	}

	// Update console object.
	if err := ctx.Global().Set("console", ob); err != nil {
		// This should never happen: Global() is always an object.
		panic(fmt.Errorf("cannot set console into global: %v", err))
	}
}

type namedCallback struct {
	name     string
	callback jsengine.Callback
}

func (c Config) functions() []namedCallback {
	return []namedCallback{
		{"log", c.Log},
		{"info", c.Info},
		{"warn", c.Warn},
		{"error", c.Error},
	}
}

func (c Config) writeLog(w io.Writer, color string, vals ...interface{}) {
	if w == nil {
		return
	}
	if color != "" && c.Colorize {
		fmt.Fprint(w, color)
	}
	fmt.Fprint(w, c.Prefix)
	fmt.Fprint(w, vals...)
	if color != "" && c.Colorize {
		fmt.Fprint(w, kRESET)
	}
	fmt.Fprint(w, "\n")
}

// toInterface renders the arguments separated by single spaces, as
// console.log does in browsers.
func (c Config) toInterface(vals []*jsengine.Value) []interface{} {
	out := make([]interface{}, 0, 2*len(vals))
	for i, val := range vals {
		if i > 0 {
			out = append(out, " ")
		}
		out = append(out, val.String())
	}
	return out
}

func (c Config) toInterfaceWithLoc(caller jsengine.Loc, args []*jsengine.Value) []interface{} {
	var vals []interface{}
	vals = append(vals, fmt.Sprintf("[%s:%d] ", caller.Filename, caller.Line))
	vals = append(vals, c.toInterface(args)...)
	return vals
}

// Log is the callback function that is registered for console.log.
func (c Config) Log(in jsengine.CallbackArgs) (*jsengine.Value, error) {
	return c.Info(in)
}

// Info is the callback function that is registered for the console.info
// function.
func (c Config) Info(in jsengine.CallbackArgs) (*jsengine.Value, error) {
	c.writeLog(c.Stdout, kNO_COLOR, c.toInterface(in.Args)...)
	return nil, nil
}

// Warn is the callback function that is registered for the console.warn
// functions.
func (c Config) Warn(in jsengine.CallbackArgs) (*jsengine.Value, error) {
	c.writeLog(c.Stderr, kYELLOW, c.toInterfaceWithLoc(in.Caller, in.Args)...)
	return nil, nil
}

// Error is the callback function that is registered for the console.error
// functions.
func (c Config) Error(in jsengine.CallbackArgs) (*jsengine.Value, error) {
	c.writeLog(c.Stderr, kRED, c.toInterfaceWithLoc(in.Caller, in.Args)...)
	return nil, nil
}
