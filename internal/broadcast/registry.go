package broadcast

import "github.com/puzpuzpuz/xsync/v3"

// Registry maps connection keys to their sockets. Reads and writes never take
// a global lock, so lookups on the send path don't contend with each other or
// with queue rotation.
type Registry struct {
	m *xsync.MapOf[ConnectionKey, Socket]
}

func NewRegistry() *Registry {
	return &Registry{m: xsync.NewMapOf[ConnectionKey, Socket]()}
}

// Insert registers s for key, replacing (and forgetting) any previous socket.
func (r *Registry) Insert(key ConnectionKey, s Socket) { r.m.Store(key, s) }

// Remove drops key. Missing keys are ignored.
func (r *Registry) Remove(key ConnectionKey) { r.m.Delete(key) }

func (r *Registry) Get(key ConnectionKey) (Socket, bool) { return r.m.Load(key) }

func (r *Registry) Len() int { return r.m.Size() }
