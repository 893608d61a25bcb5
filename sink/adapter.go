package sink

import (
	"fmt"
	"sort"
	"sync"

	"kafkarows/internal/row"
)

// Adapter is the common behaviour every sink exposes.
type Adapter interface {
	Configure(any) error                 // driver-specific config ⇒ struct
	Push(meta row.Meta, r row.Row) error // consume one row
	Close() error                        // idempotent
}

/*──────── registry ───────*/

type factory = func() Adapter

var (
	mu  sync.RWMutex
	reg = map[string]factory{}
)

func Register(name string, f factory) {
	mu.Lock()
	reg[name] = f
	mu.Unlock()
}

func NewAdapter(name string) (Adapter, error) {
	mu.RLock()
	f, ok := reg[name]
	mu.RUnlock()
	if ok {
		return f(), nil
	}
	return nil, fmt.Errorf("unknown sink %q", name)
}

// Names lists registered sinks.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(reg))
	for n := range reg {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
