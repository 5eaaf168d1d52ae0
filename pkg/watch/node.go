//go:build linux

package watch

import (
	"errors"
	"os"
	"path/filepath"

	pkgerrors "github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// nodeWatchMask is installed on every watched directory. It covers
// attribute changes, the four structural mutations, plain content
// modification, and the directory's own removal.
const nodeWatchMask = unix.IN_ATTRIB | unix.IN_CREATE | unix.IN_DELETE |
	unix.IN_MODIFY | unix.IN_MOVED_FROM | unix.IN_MOVED_TO | unix.IN_DELETE_SELF

// rootWatchMask additionally reports the root itself being renamed or moved
// out from under the watch, which non-root nodes don't need: a child being
// moved away is already reported by its parent's IN_MOVED_FROM.
const rootWatchMask = nodeWatchMask | unix.IN_MOVE_SELF

// node mirrors one live directory under the watch root. It owns a kernel
// watch descriptor and the set of child directory nodes discovered beneath
// it. Every field is guarded by the owning tree's mutex; a node never locks
// on its own.
type node struct {
	tree   *tree
	parent *node

	wd    int32
	alive bool

	relPath  string
	children map[string]*node
}

// newNode constructs and arms a watch for relPath (relative to the tree's
// root), recording it in the tree's descriptor index and recursing into its
// subdirectories. Callers must hold tree.mu. The returned node's alive field
// reports whether the watch was installed successfully; a dead node carries
// no watch descriptor and has no children.
func newNode(t *tree, parent *node, relPath string, sendInitEvents bool) *node {
	n := &node{
		tree:     t,
		parent:   parent,
		relPath:  relPath,
		children: make(map[string]*node),
	}

	mask := uint32(nodeWatchMask)
	if parent == nil {
		mask = rootWatchMask
	}

	wd, err := t.source.AddWatch(filepath.Join(t.rootPath, relPath), mask)
	if err != nil {
		t.filter.SendError(classifyAddWatchError(relPath, err))
		return n
	}

	info, statErr := os.Lstat(filepath.Join(t.rootPath, relPath))
	if statErr != nil || !info.IsDir() || info.Mode()&os.ModeSymlink != 0 {
		_ = t.source.RemoveWatch(wd)
		return n
	}

	n.wd = wd
	n.alive = true
	t.indexAddLocked(wd, n)

	n.initRecursively(sendInitEvents)
	return n
}

// initRecursively enumerates the node's current directory entries, arming a
// child node for every live subdirectory and, when sendInitEvents is set,
// emitting a synthetic CREATED event for every entry (file or directory).
// Callers must hold tree.mu.
func (n *node) initRecursively(sendInitEvents bool) {
	entries, err := os.ReadDir(filepath.Join(n.tree.rootPath, n.relPath))
	if err != nil {
		return
	}

	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil || info.Mode()&os.ModeSymlink != 0 {
			continue
		}

		childRelPath := filepath.Join(n.relPath, entry.Name())

		if entry.IsDir() {
			child := newNode(n.tree, n, childRelPath, sendInitEvents)
			if child.alive {
				n.children[entry.Name()] = child
			}
		}

		if sendInitEvents {
			n.tree.filter.FilterAndNotify(Batch{newEvent(KindCreated, childRelPath)})
		}
	}
}

// addChild arms a watch for a newly observed subdirectory name and, if
// successful, records it among the node's children. Callers must hold
// tree.mu.
func (n *node) addChild(name string, sendInitEvents bool) {
	child := newNode(n.tree, n, filepath.Join(n.relPath, name), sendInitEvents)
	if child.alive {
		n.children[name] = child
	}
}

// fixPaths recomputes relPath from the current parent after a move and
// propagates the correction down to every descendant. It is a no-op once
// the path already reflects the parent's current location.
func (n *node) fixPaths() {
	fixed := filepath.Join(n.parent.relPath, filepath.Base(n.relPath))
	if fixed == n.relPath {
		return
	}
	n.relPath = fixed
	for _, child := range n.children {
		child.fixPaths()
	}
}

func (n *node) name() string {
	return filepath.Base(n.relPath)
}

// removeChildNode tears down and forgets the child named name, if any.
// Callers must hold tree.mu.
func (n *node) removeChildNode(name string) {
	child, ok := n.children[name]
	if !ok {
		return
	}
	child.destroyLocked()
	delete(n.children, name)
}

// removeAndGetChildNode detaches the child named name from n without
// destroying it, returning it to the caller (typically to reattach
// elsewhere via setNewParentNode). Callers must hold tree.mu.
func (n *node) removeAndGetChildNode(name string) *node {
	child, ok := n.children[name]
	if !ok {
		return nil
	}
	delete(n.children, name)
	return child
}

// insertChildNode records child under its current name. Callers must hold
// tree.mu.
func (n *node) insertChildNode(child *node) {
	n.children[child.name()] = child
}

// setNewParentNode reparents n under parent with the new entry name and
// corrects n's own relPath and every descendant's, in place. It is a no-op
// for the root node, which has no parent to reattach to.
func (n *node) setNewParentNode(name string, parent *node) {
	if n.parent == nil || parent == nil {
		return
	}
	n.parent = parent
	n.relPath = filepath.Join(parent.relPath, name)
	for _, child := range n.children {
		child.fixPaths()
	}
}

// destroyLocked releases the node's watch descriptor (if armed), removes it
// from the tree's descriptor index, and recurses into every child. Callers
// must hold tree.mu.
func (n *node) destroyLocked() {
	if n.alive {
		_ = n.tree.source.RemoveWatch(n.wd)
		n.tree.indexRemoveLocked(n.wd)
	}
	for name, child := range n.children {
		child.destroyLocked()
		delete(n.children, name)
	}
}

// classifyAddWatchError turns a failed AddWatch's errno into a
// human-readable message for the specific condition it represents, falling
// back to a wrapped rendering of the raw error for anything unrecognized.
func classifyAddWatchError(relPath string, err error) string {
	switch {
	case errors.Is(err, unix.EACCES):
		return "permission denied: " + relPath
	case errors.Is(err, unix.EFAULT):
		return "bad address: " + relPath
	case errors.Is(err, unix.ENOSPC):
		return "no space left on device: " + relPath
	case errors.Is(err, unix.ENOMEM):
		return "out of memory: " + relPath
	case errors.Is(err, unix.EBADF), errors.Is(err, unix.EINVAL):
		return "bad file descriptor or invalid argument: " + relPath
	default:
		return pkgerrors.Wrapf(err, "watch failed for %s", relPath).Error()
	}
}
