package jsengine

import (
	"fmt"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// snapshotName is the resource name snapshot code reports in stack traces.
const snapshotName = "<embedded>"

// Snapshot holds startup code that initializes every context of an isolate
// created with NewIsolateWithSnapshot. The code runs in each new context
// before its global object and extensions are installed.
type Snapshot struct {
	source string
	prog   *goja.Program
}

// CreateSnapshot compiles js and runs it once in a scratch context. It fails
// if js does not compile or throws.
func CreateSnapshot(js string) (*Snapshot, error) {
	prog, err := compileProgram(snapshotName, js)
	if err != nil {
		return nil, err
	}
	if _, err := goja.New().RunProgram(prog); err != nil {
		Logger().Debug("snapshot code failed", zap.Error(err))
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	return &Snapshot{source: js, prog: prog}, nil
}

// Export returns the serialized snapshot, suitable for
// RestoreSnapshotFromExport.
func (s *Snapshot) Export() []byte { return []byte(s.source) }

// RestoreSnapshotFromExport rebuilds a snapshot from the output of Export.
func RestoreSnapshotFromExport(data []byte) (*Snapshot, error) {
	return CreateSnapshot(string(data))
}

// NewIsolateWithSnapshot creates a new isolate whose contexts start from the
// state produced by the snapshot.
func NewIsolateWithSnapshot(s *Snapshot) *Isolate {
	iso := NewIsolate()
	iso.snapshot = s
	return iso
}

func (ctx *Context) restoreSnapshot(s *Snapshot) error {
	rt, err := ctx.runtime()
	if err != nil {
		return err
	}
	ctx.iso.pushRunning(ctx)
	_, err = rt.RunProgram(s.prog)
	ctx.iso.popRunning()
	if err != nil {
		return ctx.engineError(err, func(string) string { return s.source })
	}
	return nil
}
