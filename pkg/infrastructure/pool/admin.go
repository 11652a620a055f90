package pool

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

type PurgeMode string

const (
	PurgeNormal    PurgeMode = "normal"
	PurgeImmediate PurgeMode = "immediate"
	PurgeAbort     PurgeMode = "abort"
)

const purgeConcurrency = 8

func ParsePurgeMode(s string) (PurgeMode, error) {
	switch mode := PurgeMode(strings.ToLower(strings.TrimSpace(s))); mode {
	case "":
		return PurgeNormal, nil
	case PurgeNormal, PurgeImmediate, PurgeAbort:
		return mode, nil
	default:
		return "", errors.Errorf("unknown purge mode %q", s)
	}
}

// PurgePoolContents destroys free connections. Connections in use are destroyed
// when released, immediate and abort purges also mark them stale at once and
// abort tears them down without cleanup.
func (pm *PoolManager) PurgePoolContents(mode PurgeMode) error {
	switch mode {
	case PurgeNormal, PurgeImmediate, PurgeAbort:
	default:
		return errors.Errorf("unknown purge mode %q", mode)
	}
	pm.logger.WithField("mode", string(mode)).Info("purging pool contents")

	var victims []*ConnectionWrapper
	for _, fp := range pm.freePools {
		fp.fatalErrorValue.Add(1)
		victims = append(victims, fp.drain()...)
	}

	if mode == PurgeNormal {
		for _, w := range victims {
			pm.destroy(w, true, "purge")
		}
		return nil
	}

	for _, w := range append(pm.sharedConnections(), pm.unsharedConnections()...) {
		w.destroyState.Store(true)
		w.MarkStale()
		if mode == PurgeAbort {
			w.Abort()
		}
	}

	var g errgroup.Group
	g.SetLimit(purgeConcurrency)
	for _, w := range victims {
		g.Go(func() error {
			w.destroyState.Store(true)
			w.MarkStale()
			aborted := mode == PurgeAbort && w.Abort()
			pm.destroy(w, !aborted, string(mode)+" purge")
			return nil
		})
	}
	return g.Wait()
}

// ShowPoolContents dumps the pool partitions.
func (pm *PoolManager) ShowPoolContents() string {
	var b strings.Builder
	stats := pm.Stats()

	fmt.Fprintf(&b, "PoolManager name:%s\n", pm.name)
	fmt.Fprintf(&b, "PoolManager object:%p\n", pm)
	fmt.Fprintf(&b,
		"Total number of connections: %d (max/min %d/%d, reap/unused/aged %s/%s/%s, connectiontimeout %s, purge %s)\n",
		stats.Total,
		pm.config.MaxConnections, pm.config.MinConnections,
		pm.config.ReapTime, pm.config.UnusedTimeout, pm.config.AgedTimeout,
		pm.config.ConnectionTimeout, pm.config.PurgePolicy,
	)

	fmt.Fprintf(&b, "Shared Connection information (shared partitions %d)\n", len(pm.sharedPools))
	shared := pm.sharedConnections()
	for _, w := range shared {
		coordinator := "none"
		if c := w.SharedPoolCoordinator(); c != nil {
			coordinator = c.ID()
		}
		fmt.Fprintf(&b, "  %s  %s\n", coordinator, w)
	}
	if len(shared) == 0 {
		b.WriteString("  No shared connections\n")
	}

	fmt.Fprintf(&b, "Free Connection information (free distribution table/partitions %d/1)\n", len(pm.freePools))
	free := 0
	for _, fp := range pm.freePools {
		for i, w := range fp.snapshot() {
			fmt.Fprintf(&b, "  (%d)(%d)%s\n", fp.bucket, i, w)
			free++
		}
	}
	if free == 0 {
		b.WriteString("  No free connections\n")
	}

	b.WriteString("UnShared Connection information\n")
	unshared := pm.unsharedConnections()
	for _, w := range unshared {
		fmt.Fprintf(&b, "  %s\n", w)
	}
	if len(unshared) == 0 {
		b.WriteString("  No unshared connections\n")
	}

	fmt.Fprintf(&b, "Total number of connection in free pool: %d\n", stats.Free)
	fmt.Fprintf(&b, "Total number of waiters: %d\n", stats.Waiters)
	return b.String()
}
