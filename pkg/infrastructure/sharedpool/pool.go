package sharedpool

import (
	"fmt"
	"sync"

	"gitea.xscloud.ru/xscloud/connpool/pkg/application/connector"
	"gitea.xscloud.ru/xscloud/connpool/pkg/application/logging"
	"gitea.xscloud.ru/xscloud/connpool/pkg/application/transaction"

	"github.com/pkg/errors"
)

var ErrCorrupted = errors.New("shared pool is corrupted")

const defaultCapacity = 10

// Entry is a connection that can be shared by callers in the same unit of work.
type Entry interface {
	comparable

	SharedPoolCoordinator() transaction.Coordinator
	SetSharedPoolCoordinator(c transaction.Coordinator)
	Subject() *connector.Subject
	ConnectionRequestInfo() connector.ConnectionRequestInfo
	HandleCount() int
}

// CompatibilityFunc checks commit priority and branch coupling of a candidate.
type CompatibilityFunc[E Entry] func(candidate E) bool

type Request struct {
	Affinity           transaction.Coordinator
	Subject            *connector.Subject
	CRI                connector.ConnectionRequestInfo
	EnforceSerialReuse bool
}

func NewPool[E Entry](name string, logger logging.Logger) *Pool[E] {
	return &Pool[E]{
		name:    name,
		logger:  logger,
		entries: make([]E, 0, defaultCapacity),
	}
}

type Pool[E Entry] struct {
	name   string
	logger logging.Logger

	mu      sync.Mutex
	entries []E
}

// GetSharedConnection returns a shared connection matching the request.
func (p *Pool[E]) GetSharedConnection(req Request, compatible CompatibilityFunc[E]) (E, bool) {
	var zero E
	if req.Affinity == nil {
		return zero, false
	}

	p.mu.Lock()
	size := len(p.entries)
	if size == 0 {
		p.mu.Unlock()
		return zero, false
	}
	first := p.entries[0]
	p.mu.Unlock()

	scan := &scanState[E]{pool: p}
	if scan.matches(first, req, compatible) {
		return first, true
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, candidate := range p.entries {
		if scan.matches(candidate, req, compatible) {
			return candidate, true
		}
	}
	return zero, false
}

func (p *Pool[E]) SetSharedConnection(affinity transaction.Coordinator, entry E) {
	entry.SetSharedPoolCoordinator(affinity)

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.entries) == cap(p.entries) {
		capacity := 2 * cap(p.entries)
		if capacity == 0 {
			capacity = defaultCapacity
		}
		grown := make([]E, len(p.entries), capacity)
		copy(grown, p.entries)
		p.entries = grown
	}
	p.entries = append(p.entries, entry)
}

// RemoveSharedConnection removes entry, exactly one copy must be present.
func (p *Pool[E]) RemoveSharedConnection(entry E) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.entries[:0]
	removed := 0
	for _, e := range p.entries {
		if e == entry {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	var zero E
	for i := len(kept); i < len(p.entries); i++ {
		p.entries[i] = zero
	}
	p.entries = kept

	if removed != 1 {
		return errors.Wrapf(ErrCorrupted,
			"%s: removed %d entries for %v, the subject or request info of a shared connection was changed while in use",
			p.name, removed, entry)
	}
	return nil
}

func (p *Pool[E]) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (p *Pool[E]) Capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return cap(p.entries)
}

func (p *Pool[E]) Entries() []E {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]E(nil), p.entries...)
}

// HandleTracer is implemented by entries which remember where their last handle was allocated.
type HandleTracer interface {
	HandleTrace() error
}

type scanState[E Entry] struct {
	pool     *Pool[E]
	rejected bool
}

func (s *scanState[E]) matches(candidate E, req Request, compatible CompatibilityFunc[E]) bool {
	if candidate.SharedPoolCoordinator() != req.Affinity {
		return false
	}
	if !connector.SubjectsEqual(req.Subject, candidate.Subject()) {
		return false
	}
	if !connector.CRIsEqual(req.CRI, candidate.ConnectionRequestInfo()) {
		return false
	}
	if req.EnforceSerialReuse && candidate.HandleCount() >= 1 {
		s.reject(candidate)
		return false
	}
	return compatible == nil || compatible(candidate)
}

func (s *scanState[E]) reject(candidate E) {
	if s.rejected {
		return
	}
	s.rejected = true

	logger := s.pool.logger.WithField("pool", s.pool.name)
	if tracer, ok := any(candidate).(HandleTracer); ok {
		if trace := tracer.HandleTrace(); trace != nil {
			logger = logger.WithField("holder", fmt.Sprintf("%+v", trace))
		}
	}
	logger.Warning(
		errors.Errorf("connection %v already has an open handle", candidate),
		"shared connection is not reused inside an application resolved local transaction",
	)
}
