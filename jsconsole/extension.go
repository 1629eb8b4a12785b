package jsconsole

import (
	"github.com/augustoroman/jsengine"
)

// extensionSource builds the console object from native functions and then
// removes the natives from the global scope.
const extensionSource = `
native function __consoleLog();
native function __consoleInfo();
native function __consoleWarn();
native function __consoleError();
this.console = {
    log:   __consoleLog,
    info:  __consoleInfo,
    warn:  __consoleWarn,
    error: __consoleError,
};
delete this.__consoleLog;
delete this.__consoleInfo;
delete this.__consoleWarn;
delete this.__consoleError;
`

// Extension registers the console as a named extension so that contexts can
// enable it by name:
//
//	jsconsole.Default().Extension("console")
//	ctx, err := jsengine.NewContext(nil, "console")
//
// The first registration of a name wins: registering the same name again with
// a different Config has no effect. Console functions installed this way take
// at most jsengine.MaxNativeArgs arguments.
func (c Config) Extension(name string) (*jsengine.Extension, error) {
	table := jsengine.FunctionTable{
		"__consoleLog":   c.Log,
		"__consoleInfo":  c.Info,
		"__consoleWarn":  c.Warn,
		"__consoleError": c.Error,
	}
	return jsengine.RegisterExtension(name, extensionSource, table, nil)
}
