package datasource

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"jobflow/internal/model"
)

// Driver opens sources for one connection kind.
type Driver interface {
	Name() string
	Open(conn model.Connection) (Source, error)
}

// Source answers queries with a single scalar value.
type Source interface {
	Query(ctx context.Context, query string) (string, error)
	Close() error
}

var (
	driverRegistry = make(map[string]Driver)
	driverMu       sync.RWMutex
)

func RegisterDriver(d Driver) {
	if d == nil {
		panic("datasource driver is nil")
	}
	name := d.Name()
	if name == "" {
		panic("datasource driver name is empty")
	}

	driverMu.Lock()
	defer driverMu.Unlock()
	if _, exists := driverRegistry[name]; exists {
		panic(fmt.Sprintf("datasource driver %s already registered", name))
	}
	driverRegistry[name] = d
}

func ResolveDriver(name string) (Driver, bool) {
	driverMu.RLock()
	defer driverMu.RUnlock()
	d, ok := driverRegistry[name]
	return d, ok
}

func ListDrivers() []string {
	driverMu.RLock()
	defer driverMu.RUnlock()

	names := make([]string, 0, len(driverRegistry))
	for name := range driverRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
