package memtrack

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// maxAncestorDepth bounds the parent walk when deciding whether a pid
// belongs to the traced family. It matches the in-kernel filter, which
// walks the same chain.
const maxAncestorDepth = 5

// Hierarchy mirrors the kernel's view of the traced process family.
// Fork events extend it, exit events evict, and membership checks walk
// at most maxAncestorDepth ancestors.
type Hierarchy struct {
	mu      sync.RWMutex
	tracked map[int32]struct{}
	parent  map[int32]int32
}

// NewHierarchy returns a hierarchy rooted at the given pid.
func NewHierarchy(root int32) *Hierarchy {
	return &Hierarchy{
		tracked: map[int32]struct{}{root: {}},
		parent:  make(map[int32]int32),
	}
}

// Add marks pid as a tracked root.
func (h *Hierarchy) Add(pid int32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tracked[pid] = struct{}{}
}

// Fork records a child of parent. The child is tracked immediately when
// the parent is, matching the kernel-side fork propagation.
func (h *Hierarchy) Fork(parent, child int32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.parent[child] = parent
	if _, ok := h.tracked[parent]; ok {
		h.tracked[child] = struct{}{}
	}
}

// Exit evicts a pid. Its descendants keep their parent links, so they
// remain resolvable through the recorded chain.
func (h *Hierarchy) Exit(pid int32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.tracked, pid)
}

// IsTracked reports whether pid belongs to the traced family, walking at
// most maxAncestorDepth recorded ancestors.
func (h *Hierarchy) IsTracked(pid int32) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	cur := pid
	for depth := 0; depth <= maxAncestorDepth; depth++ {
		if _, ok := h.tracked[cur]; ok {
			return true
		}
		next, ok := h.parent[cur]
		if !ok {
			return false
		}
		cur = next
	}
	log.WithField("pid", pid).Debug("ancestor walk exhausted depth limit")
	return false
}

// Size returns the number of directly tracked pids.
func (h *Hierarchy) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.tracked)
}
