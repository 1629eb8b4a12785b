package jsconsole

import (
	"fmt"

	"github.com/augustoroman/jsengine"
)

const jsConsoleStub = `console = (function() {
    var stored = [];
    var exception = undefined;
    function flush(new_console) {
        stored.forEach(function(log) {
            new_console[log.type].apply(new_console, log.args);
        });
        return exception;
    };
    function catch_exception(e) {
        console.error('Failed to make snapshot:', e);
        exception = e;
    };
    return {
        __flush: flush,
        __catch: catch_exception,
        log:   function() { stored.push({type: 'log',   args: arguments}); },
        info:  function() { stored.push({type: 'info',  args: arguments}); },
        warn:  function() { stored.push({type: 'warn',  args: arguments}); },
        error: function() { stored.push({type: 'error', args: arguments}); },
    };
})();`

// WrapForSnapshot wraps the provided javascript code with a small, global
// console stub object that will record all console logs.  This is necessary
// when creating a snapshot for code that expects console.log to exist.  It also
// surrounds the jsCode with a try/catch that records the error, so that the
// snapshot is still created and the error is reported when the console is
// flushed.
func WrapForSnapshot(jsCode string) string {
	return fmt.Sprintf(`
        // Prefix with the console stub:
        %s
        try {
            %s
        } catch (e) {
            console.__catch(e); // Store and log the exception to error.
        }
    `, jsConsoleStub, jsCode)
}

// FlushSnapshotAndInject replaces the stub console operations with the console
// described by Config and flushes any stored log messages to the new console.
// This is specifically intended for adapting a Context created from a snapshot
// of code wrapped with WrapForSnapshot().
//
// It returns the exception thrown by the snapshot code, if any.
func FlushSnapshotAndInject(ctx *jsengine.Context, c Config) (exception *jsengine.Value) {
	// Keep a reference to the stub console for flushing stored log messages.
	previous, err := ctx.Global().Get("console")
	if err != nil || previous == nil {
		panic(fmt.Errorf("Global() must be an object: %v", err))
	}

	c.Inject(ctx)
	current, err := ctx.Global().Get("console")
	if err != nil || current == nil {
		panic(fmt.Errorf("Global() must be an object: %v", err))
	}

	// Without the stub there is nothing to flush: previous is either
	// undefined or a console without __flush.
	if !previous.IsKind(jsengine.KindObject) {
		return nil
	}
	flush, err := previous.Get("__flush")
	if err != nil || !flush.IsKind(jsengine.KindFunction) {
		return nil
	}

	exception, err = flush.Call(previous, current)
	if err != nil || exception == nil || exception.IsKind(jsengine.KindUndefined) {
		return nil
	}
	return exception
}
