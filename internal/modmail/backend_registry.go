package modmail

import (
	"strings"
	"sync"
)

type LogStoreFactory func(dsn string) (LogStore, error)
type StateBackendFactory func(dsn string) (StateBackend, error)

var backendFactoryRegistry = struct {
	mu             sync.RWMutex
	logFactories   map[string]LogStoreFactory
	stateFactories map[string]StateBackendFactory
}{
	logFactories:   map[string]LogStoreFactory{},
	stateFactories: map[string]StateBackendFactory{},
}

// RegisterLogStoreFactory makes a DSN scheme resolvable by BuildLogStoreFromDSN.
// Registered schemes take precedence over the built-in ones.
func RegisterLogStoreFactory(scheme string, factory LogStoreFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.logFactories[scheme] = factory
}

func RegisterStateBackendFactory(scheme string, factory StateBackendFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.stateFactories[scheme] = factory
}

func lookupLogStoreFactory(scheme string) (LogStoreFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.logFactories[scheme]
	return factory, ok
}

func lookupStateBackendFactory(scheme string) (StateBackendFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.stateFactories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
