package scheduler

import (
	"sync"

	"go.nodegrid.dev/nodegrid/internal/gate"
)

// NodeDirectory is the process-wide map from node name to live scheduler,
// the Go counterpart of the local node registry an in-process gate
// consults to find its delivery target. One NodeDirectory is shared by
// every Scheduler instance running in the same process.
type NodeDirectory struct {
	mu    sync.RWMutex
	nodes map[string]gate.Node
}

// NewNodeDirectory creates an empty directory.
func NewNodeDirectory() *NodeDirectory {
	return &NodeDirectory{nodes: make(map[string]gate.Node)}
}

// Register adds n under its own name, replacing any prior registration.
func (d *NodeDirectory) Register(n gate.Node) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nodes[n.Name()] = n
}

// Unregister removes the node registered under name.
func (d *NodeDirectory) Unregister(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.nodes, name)
}

// FindNode implements gate.Lookup.
func (d *NodeDirectory) FindNode(name string) (gate.Node, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n, ok := d.nodes[name]
	return n, ok
}
