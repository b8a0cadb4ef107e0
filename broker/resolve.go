package broker

import (
	"context"
	"errors"

	"github.com/vfsbroker/vfsbroker/backend"
)

// mapBackendErr translates the sentinel errors a Backend.Lookup may
// return into the broker's Status enum. A backend error that isn't one
// of the known sentinels is treated as a backend-layer failure.
func mapBackendErr(err error) error {
	switch {
	case errors.Is(err, backend.ErrNotFound):
		return Errorf(ENOENT, "%v", err)
	case errors.Is(err, backend.ErrExists):
		return Errorf(EEXIST, "%v", err)
	case errors.Is(err, backend.ErrNotDirectory), errors.Is(err, backend.ErrIsDirectory):
		return Errorf(EINVAL, "%v", err)
	case errors.Is(err, backend.ErrNotEmpty):
		return Errorf(EBUSY, "%v", err)
	case errors.Is(err, backend.ErrStaleNode):
		return Errorf(EBADF, "%v", err)
	default:
		return Errorf(EIO, "%v", err)
	}
}

// Flag is the resolver's flag set.
type Flag uint16

const (
	FDirectory Flag = 1 << iota
	FFile
	FCreate
	FExclusive
	FUnlink
	FMP
	FDisableMounts
)

func (f Flag) has(bit Flag) bool { return f&bit != 0 }

// Validate applies the flag combination rules, failing fast with
// EINVAL before any backend I/O happens.
func (f Flag) Validate() error {
	if f.has(FDirectory) && f.has(FFile) {
		return Errorf(EINVAL, "DIRECTORY and FILE are mutually exclusive")
	}
	if f.has(FExclusive) && !f.has(FCreate) {
		return Errorf(EINVAL, "EXCLUSIVE requires CREATE")
	}
	if f.has(FCreate) && !f.has(FDirectory) && !f.has(FFile) {
		return Errorf(EINVAL, "CREATE requires a type flag")
	}
	return nil
}

func (f Flag) toBackend() backend.LookupFlags {
	return backend.LookupFlags{
		Directory: f.has(FDirectory),
		File:      f.has(FFile),
		Create:    f.has(FCreate),
		Exclusive: f.has(FExclusive),
		Unlink:    f.has(FUnlink),
	}
}

// Resolved is the resolver's output, transient and never cached
// directly — callers intern it via NodeCache.Get.
type Resolved struct {
	Triplet backend.Triplet
	Size    uint64
	Type    backend.NodeType
}

// Resolver walks canonicalized paths across the namespace, crossing
// into child backends at mount points. It has no mutable state of its
// own; all traversal state is the loop-local cur triplet and component
// index plus the shared, already-locked MountTable.
type Resolver struct {
	mounts *MountTable
}

// NewResolver builds a resolver over the given mount table. Callers
// must hold at least the namespace read-lock for the duration of
// Resolve; mutating callers such as mount, unmount, and rename hold
// the write-lock instead.
func NewResolver(mounts *MountTable) *Resolver {
	return &Resolver{mounts: mounts}
}

const maxHops = 256 // every hop consumes one path component, so this caps a walk at 256 components

// Resolve walks path starting at base, honoring flags. path is assumed
// already canonicalized by the caller. Unlike a single whole-path
// backend call, the walk is driven one component at a time so that
// every hop — not only the last one — can be checked against the
// mount table: a directory returned by a backend's LOOKUP may itself
// be a mount point, and the walk must cross into the mounted child
// right there before resolving whatever comes after it, exactly as it
// would for the terminal component. FCreate/FExclusive/FDirectory/
// FFile/FUnlink are only ever sent to the backend on the final
// component; intermediate components are always looked up plain.
//
// FMP suppresses the overlay translation only when the walk's very
// last component lands exactly on a mount point (used by unlink, so
// removing a mount point's directory entry never silently removes the
// mounted child's root instead). FDisableMounts suppresses it at every
// hop, including intermediate ones (used by rename, which must not
// have a mount appear mid-walk and change which backend a name
// belongs to out from under it).
func (r *Resolver) Resolve(ctx context.Context, base backend.Triplet, path string, flags Flag) (Resolved, error) {
	if err := flags.Validate(); err != nil {
		return Resolved{}, err
	}

	comps := splitComponents(path)
	terminalFlags := flags.toBackend()
	cur := base

	for hop, i := 0, 0; ; hop++ {
		if hop >= maxHops {
			return Resolved{}, Errorf(EIO, "path resolution exceeded %d backend hops", maxHops)
		}

		last := i >= len(comps)-1 // true once i addresses the final component, and when comps is empty
		var comp string
		var bflags backend.LookupFlags
		if i < len(comps) {
			comp = comps[i]
		}
		if last {
			bflags = terminalFlags
		}

		reply, err := cur.Backend.Lookup(ctx, cur.Service, cur.Index, comp, bflags)
		if err != nil {
			return Resolved{}, mapBackendErr(err)
		}

		switch reply.Kind {
		case backend.Terminal:
			result := Resolved{
				Triplet: backend.Triplet{Backend: cur.Backend, Service: cur.Service, Index: reply.Result.Index},
				Size:    reply.Result.Size,
				Type:    reply.Result.Type,
			}
			skipTranslate := flags.has(FDisableMounts) || (last && flags.has(FMP))
			if !skipTranslate {
				if m, ok := r.mounts.LookupByMountPoint(result.Triplet); ok {
					result = Resolved{Triplet: m.Root, Size: m.RootNode.Size(), Type: m.RootNode.Type}
				}
			}
			if last {
				return result, nil
			}
			cur = result.Triplet
			i++

		case backend.CrossUp:
			at := backend.Triplet{Backend: cur.Backend, Service: cur.Service, Index: reply.At.Index}
			m, ok := r.mounts.LookupByRoot(at)
			if !ok || m.MountPointTriplet == nil {
				return Resolved{}, Errorf(EINVAL, "cannot resolve above the namespace root")
			}
			if last {
				// ".." was the final component: land exactly on the
				// mount point in the parent backend. No overlay
				// translation here — re-descending into the mount we
				// just climbed out of would defeat the whole point of
				// "..".
				return Resolved{
					Triplet: *m.MountPointTriplet,
					Size:    m.MountPointNode.Size(),
					Type:    m.MountPointNode.Type,
				}, nil
			}
			cur = *m.MountPointTriplet
			i++

		default:
			return Resolved{}, Errorf(EIO, "backend returned unknown lookup kind %d", reply.Kind)
		}
	}
}
