// jsrun is a command-line tool to run javascript.
//
// It's like node, but less useful.
//
// It runs the javascript files provided on the commandline in order until
// it finishes or an error occurs. If no files are provided, this will enter a
// REPL mode where you can interactively run javascript.
//
// Other than the standard javascript environment, it provides console.*:
//
//	console.log, console.info: write args to stdout
//	console.warn:              write args to stderr in yellow
//	console.error:             write args to stderr in scary red
//
// and sleep(msec), which returns a promise resolved after msec milliseconds.
//
// Extensions can be loaded from files with --ext name=path. Extension source
// may declare "native function print();" to write its arguments to stdout.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/augustoroman/jsengine"
	"github.com/augustoroman/jsengine/jsconsole"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type options struct {
	engineFlags string
	stackLimit  uint64
	extensions  []string
	verbose     bool
	noColor     bool
}

func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "jsrun [file.js...]",
		Short: "Run javascript files or an interactive javascript shell",
		Long: `jsrun runs the javascript files given on the command line in order, in a
single context. Without files it starts an interactive REPL.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, args)
		},
	}
	cmd.Flags().StringVar(&opts.engineFlags, "engine-flags", "", "Engine flags, e.g. \"--use_strict --stack_size=512\"")
	cmd.Flags().Uint64Var(&opts.stackLimit, "stack-limit", 0, "Stack limit in bytes (0: engine default)")
	cmd.Flags().StringArrayVar(&opts.extensions, "ext", nil, "Load an extension from a file, as name=path (repeatable)")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log engine activity to stderr")
	cmd.Flags().BoolVar(&opts.noColor, "no-color", false, "Disable colored output")
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, opts options, files []string) error {
	if opts.verbose {
		logger, err := zap.NewDevelopment()
		if err != nil {
			return err
		}
		defer logger.Sync()
		jsengine.SetLogger(logger)
	}
	if opts.engineFlags != "" {
		if err := jsengine.SetFlags(opts.engineFlags); err != nil {
			return err
		}
	}

	iso := jsengine.NewIsolate()
	if opts.stackLimit > 0 {
		if err := iso.SetStackLimit(uintptr(opts.stackLimit)); err != nil {
			return err
		}
	}

	var names []string
	for _, arg := range opts.extensions {
		name, err := loadExtension(arg, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		names = append(names, name)
	}

	ctx, err := iso.NewContext(nil, names...)
	if err != nil {
		return err
	}
	defer ctx.Release()

	colorize := !opts.noColor && jsconsole.AutoColor(os.Stderr)
	jsconsole.Config{Stdout: cmd.OutOrStdout(), Stderr: cmd.ErrOrStderr(), Colorize: colorize}.Inject(ctx)

	loop := newEventLoop(ctx)
	if err := ctx.Global().Set("sleep", ctx.Bind("sleep", loop.sleep)); err != nil {
		return err
	}

	for _, filename := range files {
		data, err := os.ReadFile(filename)
		if err != nil {
			return err
		}
		if _, err := ctx.Eval(string(data), filename); err != nil {
			return err
		}
		if err := loop.drain(); err != nil {
			return err
		}
	}

	if len(files) == 0 {
		return repl(ctx, loop, newStyles(!opts.noColor))
	}
	return nil
}

// loadExtension registers the extension described by arg, name=path, and
// returns its name. The extension's print native writes to w.
func loadExtension(arg string, w io.Writer) (string, error) {
	name, path, ok := strings.Cut(arg, "=")
	if !ok || name == "" || path == "" {
		return "", fmt.Errorf("invalid extension %q (expected name=path)", arg)
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if _, err := jsengine.RegisterExtension(name, string(src), hostFunctions(w), nil); err != nil {
		return "", fmt.Errorf("extension %s: %w", name, err)
	}
	return name, nil
}

// hostFunctions are the natives available to extensions loaded with --ext.
func hostFunctions(w io.Writer) jsengine.FunctionTable {
	return jsengine.FunctionTable{"print": printArgs(w)}
}

func printArgs(w io.Writer) jsengine.Callback {
	return func(in jsengine.CallbackArgs) (*jsengine.Value, error) {
		parts := make([]string, len(in.Args))
		for i, arg := range in.Args {
			parts[i] = arg.String()
		}
		_, err := fmt.Fprintln(w, strings.Join(parts, " "))
		return nil, err
	}
}
