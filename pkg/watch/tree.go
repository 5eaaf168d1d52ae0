package watch

import (
	"os"
	"sync"

	"github.com/pkg/errors"
)

// tree mirrors the live directory structure under a watch root as a graph
// of nodes, each owning one kernel watch descriptor. All structural
// mutations funnel through tree's methods without a Locked suffix, which take tree.mu once
// at the top and never release it until the mutation (including any
// recursive node work it triggers) is complete; node methods and the
// unexported *Locked tree helpers assume the lock is already held and must
// never be called without it.
type tree struct {
	mu sync.Mutex

	rootPath string
	source   EventSource
	filter   *Filter

	root *node
	byWD map[int32]*node
}

// newTree stats rootPath, then recursively arms watches over it and every
// live subdirectory beneath it. If rootPath does not exist, or the root
// watch itself cannot be armed, a synthetic error event is sent and a nil
// tree is returned with an error describing the failure: setup failures
// are fatal, unlike a later per-child watch failure which just skips that
// one subtree.
func newTree(rootPath string, source EventSource, filter *Filter, sendInitEvents bool) (*tree, error) {
	if _, err := os.Stat(rootPath); err != nil {
		filter.SendError("root path does not exist: " + rootPath)
		return nil, errors.Wrap(err, "watch: stat root")
	}

	t := &tree{
		rootPath: rootPath,
		source:   source,
		filter:   filter,
		byWD:     make(map[int32]*node),
	}

	t.mu.Lock()
	t.root = newNode(t, nil, "", sendInitEvents)
	t.mu.Unlock()

	if !t.root.alive {
		filter.SendError("unable to arm watch on root: " + rootPath)
		return nil, errors.Errorf("watch: root watch failed for %s", rootPath)
	}

	return t, nil
}

// isRootAlive reports whether the root node's watch is still armed. Once
// false, the tree is dead: the root itself was deleted or moved away, and
// the decoder treats this as a fatal runtime failure.
func (t *tree) isRootAlive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root != nil && t.root.alive
}

// getRelPath returns the relative path recorded for wd, if any node is
// currently indexed under it.
func (t *tree) getRelPath(wd int32) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.byWD[wd]
	if !ok {
		return "", false
	}
	return n.relPath, true
}

// addDirNode arms a watch for a newly created (or newly moved-in, with no
// available origin) subdirectory name under the directory identified by wd.
// It is a no-op if wd is not currently indexed (the parent directory may
// itself have just been removed).
func (t *tree) addDirNode(wd int32, name string, sendInitEvents bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addDirNodeLocked(wd, name, sendInitEvents)
}

func (t *tree) addDirNodeLocked(wd int32, name string, sendInitEvents bool) {
	n, ok := t.byWD[wd]
	if !ok {
		return
	}
	n.addChild(name, sendInitEvents)
}

// removeDirNodeByWD tears down the node identified by wd itself, used when
// a directory reports its own IN_DELETE_SELF or unpaired IN_MOVED_FROM with
// no parent-relative name available. The root node has no parent to detach
// from; tearing down the root kills the whole tree in place, which
// isRootAlive subsequently reports.
func (t *tree) removeDirNodeByWD(wd int32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.byWD[wd]
	if !ok {
		return
	}

	if n.parent == nil {
		t.filter.SendError("root watch destroyed: " + t.rootPath)
		t.root.destroyLocked()
		t.root = nil
		return
	}

	n.parent.removeChildNode(n.name())
}

// removeDirNodeByName tears down the child named name under the directory
// identified by wd, used when a structural delete or unpaired rename names
// the entry relative to its parent.
func (t *tree) removeDirNodeByName(wd int32, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.byWD[wd]
	if !ok {
		return
	}
	n.removeChildNode(name)
}

// moveDirNode relocates the subdirectory named oldName under wdOld to
// newName under wdNew, preserving its watch descriptor and those of every
// descendant. If wdOld is not currently indexed, or the named child does
// not exist under it, this falls back to treating newName as a fresh
// directory under wdNew, arming a new watch and sending init events for its
// contents. If wdNew is not currently indexed, the detached subtree is torn
// down and nothing is added.
func (t *tree) moveDirNode(wdOld int32, oldName string, wdNew int32, newName string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	oldParent, ok := t.byWD[wdOld]
	if !ok {
		t.addDirNodeLocked(wdNew, newName, true)
		return
	}

	moving := oldParent.removeAndGetChildNode(oldName)
	if moving == nil {
		t.addDirNodeLocked(wdNew, newName, true)
		return
	}

	newParent, ok := t.byWD[wdNew]
	if !ok {
		moving.destroyLocked()
		return
	}

	moving.setNewParentNode(newName, newParent)
	newParent.insertChildNode(moving)
}

// indexAddLocked records n under its watch descriptor. Callers must hold
// tree.mu.
func (t *tree) indexAddLocked(wd int32, n *node) {
	t.byWD[wd] = n
}

// indexRemoveLocked forgets the watch descriptor wd. Callers must hold
// tree.mu.
func (t *tree) indexRemoveLocked(wd int32) {
	delete(t.byWD, wd)
}
