package kafka

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a Connector (sarama, memory, …).
type Factory func() Connector

var (
	regMu    sync.RWMutex
	registry = map[string]Factory{}
)

// Register is called from each driver's init().
func Register(name string, f Factory) {
	regMu.Lock()
	registry[name] = f
	regMu.Unlock()
}

// NewConnector returns a driver by name ("sarama", "memory").
func NewConnector(name string) (Connector, error) {
	regMu.RLock()
	f, ok := registry[name]
	regMu.RUnlock()
	if ok {
		return f(), nil
	}
	return nil, fmt.Errorf("kafka: unsupported driver %q", name)
}

func Drivers() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
