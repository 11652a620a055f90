package pool

import (
	"sort"
	"sync"

	"gitea.xscloud.ru/xscloud/connpool/pkg/application/logging"
	"gitea.xscloud.ru/xscloud/connpool/pkg/application/transaction"
	libio "gitea.xscloud.ru/xscloud/connpool/pkg/common/io"
)

// Registry keeps one connection manager per resource and reference settings.
type Registry struct {
	tm       transaction.Manager
	resolver SubjectResolver
	logger   logging.Logger

	mu       sync.RWMutex
	managers map[string]*ConnectionManager
}

func NewRegistry(tm transaction.Manager, resolver SubjectResolver, logger logging.Logger) *Registry {
	return &Registry{
		tm:       tm,
		resolver: resolver,
		logger:   logger,
		managers: make(map[string]*ConnectionManager),
	}
}

// ConnectionManager returns the manager for pm and ref, creating it once.
func (r *Registry) ConnectionManager(pm *PoolManager, ref ResourceRef) (*ConnectionManager, error) {
	key := CFDetailsKey(pm.ManagedConnectionFactory().ID(), ref)

	r.mu.RLock()
	cm, ok := r.managers[key]
	r.mu.RUnlock()
	if ok {
		return cm, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cm, ok = r.managers[key]; ok {
		return cm, nil
	}
	cm, err := NewConnectionManager(pm, ref, r.tm, r.resolver, r.logger)
	if err != nil {
		return nil, err
	}
	r.managers[key] = cm
	return cm, nil
}

func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.managers)
}

func sortedKeys(managers map[string]*ConnectionManager) []string {
	keys := make([]string, 0, len(managers))
	for key := range managers {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Close forgets every connection manager and closes their pool managers, each pool once.
func (r *Registry) Close() error {
	r.mu.Lock()
	managers := r.managers
	r.managers = make(map[string]*ConnectionManager)
	r.mu.Unlock()

	closer := libio.NewMultiCloser()
	seen := make(map[*PoolManager]bool)
	for _, key := range sortedKeys(managers) {
		pm := managers[key].PoolManager()
		if seen[pm] {
			continue
		}
		seen[pm] = true
		closer.AddCloser(libio.CloserFunc(func() error {
			r.logger.WithField("pool", pm.Name()).Debug("closing pool")
			return pm.Close()
		}))
	}
	return closer.Close()
}
