package broker

// MtabEntry is one row of a mount table enumeration reply.
type MtabEntry struct {
	MountPoint string
	Options    string
	FSName     string
	Instance   uint64
	Service    uint32
}

// StreamMtab snapshots the mount table and invokes emit once per
// entry: the snapshot is taken once under the mount table's own mutex
// (MountTable.Snapshot), then iterated without holding any lock, and
// each row is handed to emit one at a time so the transport layer can
// pace the transfer instead of buffering the whole table into one
// reply.
//
// emit returning an error (e.g. the client disconnected mid-stream)
// stops the enumeration and that error is returned to the caller.
func (b *Broker) StreamMtab(emit func(MtabEntry) error) (int, error) {
	entries := b.mounts.Snapshot()
	count := 0
	for _, m := range entries {
		row := MtabEntry{
			MountPoint: m.MountPoint,
			Options:    m.Options,
			FSName:     m.FSName,
			Instance:   m.Instance,
			Service:    uint32(m.Root.Service),
		}
		if err := emit(row); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}
