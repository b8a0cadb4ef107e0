package backend

import "fmt"

// Triplet is the backend-stable identity of a node. Triplets are
// stable across broker restarts only if the backend keeps Index
// stable; the broker itself never persists one.
type Triplet struct {
	Backend Backend
	Service ServiceID
	Index   Index
}

// String renders a triplet for logging; Backend.Name() plus the
// service/index pair is enough to disambiguate across mounts without
// dumping the whole Conn.
func (t Triplet) String() string {
	return fmt.Sprintf("%s/%d/%d", t.Backend.Name(), t.Service, t.Index)
}

// Equal implements componentwise equality. Backend values are
// compared by identity (interface value equality is defined here
// since the concrete type always embeds a pointer receiver in this
// repository's backends).
func (t Triplet) Equal(o Triplet) bool {
	return t.Backend == o.Backend && t.Service == o.Service && t.Index == o.Index
}
