package transaction

import (
	"sync"

	"gitea.xscloud.ru/xscloud/connpool/pkg/application/transaction"

	"github.com/pkg/errors"
)

type synchronizations struct {
	mu    sync.Mutex
	tiers [2][]transaction.Synchronization
}

func (s *synchronizations) register(callback transaction.Synchronization, tier transaction.SyncTier, status transaction.Status) error {
	if status != transaction.StatusActive && status != transaction.StatusMarkedRollback {
		return errors.Wrapf(ErrNotActive, "register synchronization in status %s", status)
	}
	if tier != transaction.SyncTierRRS {
		tier = transaction.SyncTierNormal
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tiers[tier] = append(s.tiers[tier], callback)
	return nil
}

func (s *synchronizations) snapshot() []transaction.Synchronization {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]transaction.Synchronization, 0, len(s.tiers[0])+len(s.tiers[1]))
	result = append(result, s.tiers[transaction.SyncTierNormal]...)
	return append(result, s.tiers[transaction.SyncTierRRS]...)
}

func (s *synchronizations) beforeCompletion() {
	for _, callback := range s.snapshot() {
		callback.BeforeCompletion()
	}
}

func (s *synchronizations) afterCompletion(status transaction.Status) {
	for _, callback := range s.snapshot() {
		callback.AfterCompletion(status)
	}
}
