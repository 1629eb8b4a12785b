package jsengine

import (
	"strconv"
	"sync"

	"github.com/cespare/xxhash"
	"github.com/dgraph-io/ristretto"
	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// programCacheBytes bounds the total source size of cached programs.
const programCacheBytes = 64 << 20

// programCache keeps compiled programs keyed by resource name and source.
// Compiled programs hold no runtime state, so one entry can serve every
// isolate.
type programCache struct {
	c *ristretto.Cache
}

type cachedProgram struct {
	name, src string
	strict    bool
	prog      *goja.Program
}

var (
	programsOnce sync.Once
	programsInst *programCache
)

func programs() *programCache {
	programsOnce.Do(func() {
		c, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: 1e5,
			MaxCost:     programCacheBytes,
			BufferItems: 64,
		})
		if err != nil {
			Logger().Warn("program cache disabled", zap.Error(err))
		}
		programsInst = &programCache{c: c}
	})
	return programsInst
}

func programKey(name, src string, strict bool) uint64 {
	return xxhash.Sum64String(name + "\x00" + strconv.FormatBool(strict) + "\x00" + src)
}

func (pc *programCache) get(name, src string, strict bool) (*goja.Program, bool) {
	if pc.c == nil {
		return nil, false
	}
	v, ok := pc.c.Get(programKey(name, src, strict))
	if !ok {
		return nil, false
	}
	e := v.(*cachedProgram)
	// The key is a digest; confirm it is not a collision.
	if e.name != name || e.strict != strict || e.src != src {
		return nil, false
	}
	return e.prog, true
}

func (pc *programCache) put(name, src string, strict bool, prog *goja.Program) {
	if pc.c == nil {
		return
	}
	pc.c.Set(programKey(name, src, strict),
		&cachedProgram{name: name, src: src, strict: strict, prog: prog}, int64(len(src))+1)
}

func (pc *programCache) clear() {
	if pc.c != nil {
		pc.c.Clear()
	}
}
