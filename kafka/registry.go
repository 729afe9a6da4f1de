package kafka

import (
	"fmt"
	"sort"
	"sync"
)

// Driver builds a reader from a resolved config
type Driver func(cfg ReaderConfig) (PartitionReader, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Driver{}
)

// Register makes a driver available by name, a later registration replaces an earlier one
func Register(name string, d Driver) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = d
}

// Drivers returns the registered driver names
func Drivers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewReaderFactory returns a factory creating readers of the named driver ("kgo", "sarama", ...)
func NewReaderFactory(name string, opts ...ReaderOption) (ReaderFactory, error) {
	registryMu.RLock()
	d, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("kafka: unsupported driver %q", name)
	}

	cfg := newReaderConfig(opts...)
	return func() (PartitionReader, error) {
		return d(cfg)
	}, nil
}

func init() {
	Register(
		"kgo", func(cfg ReaderConfig) (PartitionReader, error) {
			return newKgoReader(cfg)
		},
	)
	Register(
		"sarama", func(cfg ReaderConfig) (PartitionReader, error) {
			return newSaramaReader(cfg)
		},
	)
}
