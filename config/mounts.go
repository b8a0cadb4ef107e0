package config

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/vfsbroker/vfsbroker/backend"
	"github.com/vfsbroker/vfsbroker/blog"
	"github.com/vfsbroker/vfsbroker/broker"
)

// MountEntry is one row of a startup mount-replay document. The
// broker itself persists no state, so a process restart reconstructs
// its namespace by replaying this list in order.
type MountEntry struct {
	MountPoint string `yaml:"mount_point"`
	FSName     string `yaml:"fs_name"`
	Instance   uint64 `yaml:"instance"`
	Service    uint32 `yaml:"service"`
	Options    string `yaml:"options"`
}

// LoadMounts reads a YAML document listing mounts to recreate at
// startup, in the order they must be installed (the root entry, whose
// MountPoint is "/" or empty, must come first).
func LoadMounts(path string) ([]MountEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load mounts: %w", err)
	}
	var entries []MountEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("load mounts: %w", err)
	}
	return entries, nil
}

// WaitForBackends blocks until every distinct (fs-name, instance) pair
// named by entries has registered, fanning the waits out concurrently
// with errgroup rather than waiting on the registry's condition one
// entry at a time: replay itself must mount entries in order (the root
// before anything nested under it), but nothing about *waiting* for
// their backends to show up is ordered, so the wait is the one piece
// of replay that can run in parallel. The group's context is canceled
// the moment any one wait fails, so a single missing backend doesn't
// leave the others blocked for the full duration.
func WaitForBackends(ctx context.Context, reg *broker.Registry, entries []MountEntry) error {
	seen := make(map[registryKey]bool, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	for _, e := range entries {
		key := registryKey{e.FSName, e.Instance}
		if seen[key] {
			continue
		}
		seen[key] = true
		name, instance := e.FSName, e.Instance
		g.Go(func() error {
			_, err := reg.Resolve(gctx, name, instance, true)
			if err != nil {
				return fmt.Errorf("waiting for backend %s#%d: %w", name, instance, err)
			}
			return nil
		})
	}
	return g.Wait()
}

type registryKey struct {
	name     string
	instance uint64
}

// Replay issues a MountRoot/MountAt call for each entry in order,
// through the same path a live client request would take. blocking is
// forwarded to the registry resolve so replay can wait for backends
// that register themselves slightly after the broker starts.
func Replay(ctx context.Context, b *broker.Broker, entries []MountEntry, blocking bool) error {
	for _, e := range entries {
		if e.MountPoint == "" || e.MountPoint == "/" {
			if err := b.MountRoot(ctx, e.FSName, e.Instance, backend.ServiceID(e.Service), e.Options, blocking); err != nil {
				return fmt.Errorf("replay root mount of %s#%d: %w", e.FSName, e.Instance, err)
			}
			blog.Infof(nil, "replayed root mount %s#%d", e.FSName, e.Instance)
			continue
		}
		if err := b.MountAt(ctx, e.MountPoint, e.FSName, e.Instance, backend.ServiceID(e.Service), e.Options, blocking); err != nil {
			return fmt.Errorf("replay mount of %s#%d at %s: %w", e.FSName, e.Instance, e.MountPoint, err)
		}
		blog.Infof(nil, "replayed mount %s#%d at %s", e.FSName, e.Instance, e.MountPoint)
	}
	return nil
}
