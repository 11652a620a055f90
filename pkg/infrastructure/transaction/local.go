package transaction

import (
	"context"
	"sync"

	"gitea.xscloud.ru/xscloud/connpool/pkg/application/logging"
	"gitea.xscloud.ru/xscloud/connpool/pkg/application/transaction"
	liberr "gitea.xscloud.ru/xscloud/connpool/pkg/common/errors"

	"github.com/pkg/errors"
)

func newLocalContainment(id string, resolver transaction.Resolver, logger logging.Logger) *localContainment {
	return &localContainment{
		id:       id,
		resolver: resolver,
		status:   transaction.StatusActive,
		logger:   logger.WithField("containment", id),
	}
}

type localContainment struct {
	id       string
	resolver transaction.Resolver
	logger   logging.Logger
	syncs    synchronizations

	mu        sync.Mutex
	status    transaction.Status
	resources []transaction.LocalResource
	cleanup   []transaction.LocalResource
}

func (ltc *localContainment) ID() string {
	return ltc.id
}

func (ltc *localContainment) Global() bool {
	return false
}

func (ltc *localContainment) Resolver() transaction.Resolver {
	return ltc.resolver
}

func (ltc *localContainment) Status() transaction.Status {
	ltc.mu.Lock()
	defer ltc.mu.Unlock()
	return ltc.status
}

func (ltc *localContainment) SetRollbackOnly() {
	ltc.mu.Lock()
	defer ltc.mu.Unlock()
	if ltc.status == transaction.StatusActive {
		ltc.status = transaction.StatusMarkedRollback
	}
}

func (ltc *localContainment) enlist(resource transaction.LocalResource) error {
	ltc.mu.Lock()
	defer ltc.mu.Unlock()

	if ltc.status != transaction.StatusActive {
		return errors.Wrapf(ErrNotActive, "enlist in status %s", ltc.status)
	}
	if ltc.resolver != transaction.ResolverContainerAtBoundary {
		return errors.New("resources of an application resolved containment are enlisted for cleanup only")
	}
	if err := resource.Start(); err != nil {
		return errors.Wrap(err, "start local resource")
	}
	ltc.resources = append(ltc.resources, resource)
	return nil
}

func (ltc *localContainment) enlistForCleanup(resource transaction.LocalResource) error {
	ltc.mu.Lock()
	defer ltc.mu.Unlock()

	if ltc.status != transaction.StatusActive && ltc.status != transaction.StatusMarkedRollback {
		return errors.Wrapf(ErrNotActive, "enlist for cleanup in status %s", ltc.status)
	}
	for _, r := range ltc.cleanup {
		if r == resource {
			return nil
		}
	}
	ltc.cleanup = append(ltc.cleanup, resource)
	return nil
}

func (ltc *localContainment) delistFromCleanup(resource transaction.LocalResource) error {
	ltc.mu.Lock()
	defer ltc.mu.Unlock()

	for i, r := range ltc.cleanup {
		if r == resource {
			ltc.cleanup = append(ltc.cleanup[:i], ltc.cleanup[i+1:]...)
			return nil
		}
	}
	return errors.New("resource is not enlisted for cleanup")
}

func (ltc *localContainment) Complete(_ context.Context) error {
	if ltc.Status() == transaction.StatusMarkedRollback {
		return ltc.end(false)
	}
	return ltc.end(true)
}

func (ltc *localContainment) Rollback(_ context.Context) error {
	return ltc.end(false)
}

func (ltc *localContainment) end(commit bool) error {
	ltc.mu.Lock()
	if ltc.status != transaction.StatusActive && ltc.status != transaction.StatusMarkedRollback {
		status := ltc.status
		ltc.mu.Unlock()
		return errors.Wrapf(ErrNotActive, "complete in status %s", status)
	}
	ltc.mu.Unlock()

	if commit {
		ltc.syncs.beforeCompletion()
	}

	ltc.mu.Lock()
	resources := ltc.resources
	unresolved := ltc.cleanup
	ltc.resources, ltc.cleanup = nil, nil
	if ltc.status == transaction.StatusMarkedRollback {
		commit = false
	}
	if commit {
		ltc.status = transaction.StatusCommitting
	} else {
		ltc.status = transaction.StatusRollingBack
	}
	ltc.mu.Unlock()

	var err error
	for _, resource := range resources {
		if commit {
			if commitErr := resource.Commit(); commitErr != nil {
				err = liberr.Join(err, errors.Wrap(commitErr, "commit local resource"))
				commit = false
			}
			continue
		}
		err = liberr.Join(err, errors.Wrap(resource.Rollback(), "rollback local resource"))
	}
	for _, resource := range unresolved {
		ltc.logger.Info("rolling back unresolved local transaction")
		err = liberr.Join(err, errors.Wrap(resource.Rollback(), "rollback unresolved local resource"))
	}

	status := transaction.StatusCommitted
	if !commit {
		status = transaction.StatusRolledBack
	}
	ltc.mu.Lock()
	ltc.status = status
	ltc.mu.Unlock()

	ltc.syncs.afterCompletion(status)
	return err
}
