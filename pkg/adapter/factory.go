package adapter

import (
	"fmt"
	"sort"
	"sync"

	"github.com/CIRISAI/CIRISAgent-sub005/pkg/clock"
)

// Deps carries everything a factory needs to build an adapter. Options
// is adapter-specific: factories accept their own config struct or a
// generic map decoded with mapstructure.
type Deps struct {
	Clock   clock.Clock
	Options any
}

// Factory builds one adapter instance from its deps.
type Factory func(deps Deps) (Adapter, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register makes a factory available under kind. Adapter packages call
// this from init, the way database drivers register themselves. It
// panics if kind is already taken: a duplicate registration is a
// programming error.
func Register(kind string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if f == nil {
		panic("adapter: Register with nil factory")
	}
	if _, dup := factories[kind]; dup {
		panic(fmt.Sprintf("adapter: Register called twice for kind %q", kind))
	}
	factories[kind] = f
}

// Create builds an adapter of the given kind.
func Create(kind string, deps Deps) (Adapter, error) {
	factoriesMu.RLock()
	f, ok := factories[kind]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown adapter kind %q (registered: %v)", kind, Kinds())
	}
	return f(deps)
}

// Kinds returns the registered adapter kinds, sorted.
func Kinds() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	kinds := make([]string, 0, len(factories))
	for kind := range factories {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
