// Package merkle implements the page-tree updater: the in-memory walker
// that advances a TriePosition left to right across a sorted batch of
// writes, replaces terminal subtries with new ones, compacts and
// re-hashes upward, tracks witness siblings, and elides (or
// reconstructs) low-density subtrees. This file carries the Walker
// state machine itself.
package merkle

import (
	"fmt"

	"github.com/kvtrie/pagetrie/page"
	"github.com/kvtrie/pagetrie/pageid"
	"github.com/kvtrie/pagetrie/pageset"
	"github.com/kvtrie/pagetrie/trie"
)

// UpdatedPage is a page dirtied during the walk, to be written by the
// storage layer. Bucket guides which on-disk bucket it belongs to, or
// reports that the page is freshly allocated.
type UpdatedPage struct {
	PageID pageid.PageId
	Page   page.PageMut
	Diff   page.PageDiff
	Bucket pageset.BucketInfo
}

// ChildPageRoot names a position inside a parent-page-scoped walker's
// parent page whose child-page root changed, to be stitched in by a
// subsequent walker via AdvanceAndPlaceNode.
type ChildPageRoot struct {
	Position pageid.TriePosition
	Node     trie.Node
}

// ReconstructedPage is a page rebuilt by ReconstructPages from an
// elided subtree's full key set, ready to be published into a PageSet.
type ReconstructedPage struct {
	PageID        pageid.PageId
	Page          page.PageMut
	Diff          page.PageDiff
	LeavesCounter uint64
}

// Sibling is a witness sibling: the value of a node on the path from a
// modified terminal to the root, as it stood immediately before it was
// last touched.
type Sibling struct {
	Node  trie.Node
	Depth int
}

// Output is the result of Walker.Conclude. A walker constructed with no
// parent page populates Root and UpdatedPages; one constructed with a
// parent page populates ChildPageRoots and UpdatedPages instead — the
// caller already knows which shape to expect from how it built the
// Walker.
type Output struct {
	Root           trie.Node
	ChildPageRoots []ChildPageRoot
	UpdatedPages   []UpdatedPage
}

type pageOutputKind int

const (
	outputUpdated pageOutputKind = iota
	outputReconstructed
)

// pageWalkerPageOutput bundles either shape a page can leave the walker
// in, keyed by kind so Conclude/ReconstructPages can assert the walker
// wasn't asked to produce the wrong one.
type pageWalkerPageOutput struct {
	kind          pageOutputKind
	updated       UpdatedPage
	reconstructed ReconstructedPage
}

// stackPage is a page pinned on the walker's working stack, bundling
// everything needed to finish the elision decision when it is popped.
type stackPage struct {
	pageID pageid.PageId
	page   page.PageMut
	diff   page.PageDiff

	// bucketInfo is nil iff the page was reconstructed rather than read
	// from disk.
	bucketInfo *pageset.BucketInfo
	// leavesCounter is non-nil iff the cumulative leaf count in this
	// page's child pages is still known to be under the elision
	// threshold.
	leavesCounter *uint64

	// elidedChildren is the bitmap being recomputed during this walk;
	// origElided is the value the page carried when it entered the
	// stack, so emission can tell whether the bitmap actually moved.
	elidedChildren page.ElidedChildren
	origElided     page.ElidedChildren

	// reconstructionDiff is non-nil iff this page entered the stack via
	// PageOrigin.Reconstructed; it must be joined with diff at emission.
	reconstructionDiff *page.PageDiff
}

func newStackPage(id pageid.PageId, p page.PageMut, diff page.PageDiff, origin pageset.PageOrigin) *stackPage {
	return &stackPage{
		pageID:             id,
		page:               p,
		diff:               diff,
		elidedChildren:     p.ElidedChildren(),
		origElided:         p.ElidedChildren(),
		leavesCounter:      origin.LeavesCounterPtr(),
		bucketInfo:         origin.BucketInfoPtr(),
		reconstructionDiff: origin.ReconDiffPtr(),
	}
}

// totalDiff joins the reconstruction-time diff (if any) with the
// update-time diff, letting cleared dominate.
func (s *stackPage) totalDiff() page.PageDiff {
	if s.reconstructionDiff != nil {
		return s.reconstructionDiff.Join(s.diff)
	}
	return s.diff
}

// Walker is the left-to-right updating walker over the page tree.
type Walker struct {
	hasher trie.NodeHasher
	params Params

	lastPosition   *pageid.TriePosition
	position       pageid.TriePosition
	parentPage     *pageid.PageId
	childPageRoots []ChildPageRoot
	root           trie.Node
	outputPages    []pageWalkerPageOutput

	// ascending chain of pages from an ancestor of the current position
	// down to the page containing it.
	stack []*stackPage

	// previous node values of siblings on the path to the current
	// position, ascending in depth.
	siblingStack []Sibling
	// the node at `position` which was replaced in the previous call.
	prevNode *trie.Node

	reconstruction bool
	inhibitElision bool
}

// NewWalker creates a Walker rooted at root. If parentPage is non-nil,
// the walker's scope is restricted to strict descendants of *parentPage:
// advancing to a position whose page id is *parentPage itself, or lies
// outside its subtree, panics.
func NewWalker(hasher trie.NodeHasher, params Params, root trie.Node, parentPage *pageid.PageId) *Walker {
	return newWalker(hasher, params, root, parentPage, false)
}

// newReconstructor creates a Walker restricted to reconstructing elided
// pages below parentPage. Such a walker can only be driven through
// reconstruct, never through the public Advance* methods or Conclude.
func newReconstructor(hasher trie.NodeHasher, params Params, root trie.Node, parentPage pageid.PageId) *Walker {
	return newWalker(hasher, params, root, &parentPage, true)
}

func newWalker(hasher trie.NodeHasher, params Params, root trie.Node, parentPage *pageid.PageId, reconstruction bool) *Walker {
	return &Walker{
		hasher:         hasher,
		params:         params,
		position:       pageid.NewTriePosition(),
		parentPage:     parentPage,
		root:           root,
		reconstruction: reconstruction,
		inhibitElision: params.InhibitElision,
	}
}

func assertAdvancing(last, next pageid.TriePosition) {
	if !last.Less(next) {
		panic("merkle: advanced position must be strictly greater than every previously supplied position")
	}
}

// AdvanceAndReplace advances to newPos, which must currently reference
// a terminal node (Terminator or Leaf), and replaces it with the
// minimal sub-trie holding exactly ops, a sorted sequence of
// (key_path, value_hash) pairs that must all be suffixes of newPos. An
// empty ops deletes the terminal.
//
// Panics if newPos is not strictly greater than every previously
// supplied position, or if it falls outside the walker's scope.
func (w *Walker) AdvanceAndReplace(ps pageset.PageSet, newPos pageid.TriePosition, ops []Op) {
	if w.lastPosition != nil {
		assertAdvancing(*w.lastPosition, newPos)
		w.compactUp(&newPos)
	}
	w.lastPosition = &newPos
	w.buildStack(ps, newPos)
	w.replaceTerminal(ps, ops)
}

// AdvanceAndPlaceNode advances to newPos and replaces the terminal node
// there with node. It is the caller's responsibility to ensure node is
// a legal replacement (e.g. the hash of the two child positions, when
// stitching in a child-page root produced by another walker's
// Output.ChildPageRoots).
func (w *Walker) AdvanceAndPlaceNode(ps pageset.PageSet, newPos pageid.TriePosition, node trie.Node) {
	if w.lastPosition != nil {
		assertAdvancing(*w.lastPosition, newPos)
		w.compactUp(&newPos)
	}
	w.lastPosition = &newPos
	w.buildStack(ps, newPos)
	w.placeNode(node)
}

// Advance moves the cursor to newPos without modifying the trie,
// triggering upward compaction over the segment between the last
// position and newPos.
func (w *Walker) Advance(newPos pageid.TriePosition) {
	if w.lastPosition != nil {
		assertAdvancing(*w.lastPosition, newPos)
		w.compactUp(&newPos)
	}
	pid, ok := newPos.PageId()
	w.assertPageInScope(pid, ok)
	w.lastPosition = &newPos
}

func (w *Walker) placeNode(node trie.Node) {
	if w.position.IsRoot() {
		prev := w.root
		w.prevNode = &prev
		w.root = node
	} else {
		prev := w.node()
		w.prevNode = &prev
		w.setNode(node)
	}
}

func (w *Walker) replaceTerminal(ps pageset.PageSet, ops []Op) {
	var startNode trie.Node
	if w.position.IsRoot() {
		startNode = w.root
	} else {
		startNode = w.node()
	}
	w.prevNode = &startNode

	if !w.reconstruction && w.hasher.IsInternal(startNode) {
		panic("merkle: advance_and_replace requires a terminal node (Terminator or Leaf)")
	}

	startPosition := w.position

	BuildTrie(w.hasher, startPosition.Depth(), ops, func(d Directive) {
		node := d.Node
		up := d.Up
		down := d.Down

		if d.Internal != nil {
			var zeroSibling bool
			if w.position.PeekLastBit() {
				zeroSibling = trie.IsTerminator(d.Internal.Left)
			} else {
				zeroSibling = trie.IsTerminator(d.Internal.Right)
			}
			if zeroSibling {
				w.setSibling(trie.Terminator)
			}
		}

		// avoid popping pages off the stack if we are jumping to a sibling.
		if up && len(down) > 0 {
			if down[0] == !w.position.PeekLastBit() {
				w.position = w.position.Sibling()
				down = down[1:]
			} else {
				w.up()
			}
		} else if up {
			w.up()
		}

		fresh := w.position.Depth() > startPosition.Depth()

		if !fresh && len(down) > 0 {
			// the first bit is only fresh if we are at the start position
			// and the start is at the end of its page (or at the root).
			firstFresh := w.position.DepthInPage() == pageid.DEPTH || w.position.IsRoot()
			w.down(ps, down[:1], firstFresh)
			w.down(ps, down[1:], true)
		} else {
			w.down(ps, down, true)
		}

		if w.position.IsRoot() {
			w.root = node
		} else {
			w.setNode(node)
		}
	})

	// build_trie should always return us to the original position.
	if !w.position.IsRoot() {
		pid, _ := w.position.PageId()
		top := w.stack[len(w.stack)-1]
		if !top.pageID.Equal(pid) {
			panic("merkle: build_trie did not return to the original page")
		}
	} else if len(w.stack) != 0 {
		panic("merkle: build_trie did not return to an empty stack at the root")
	}
}

// up moves the cursor up one level, handing off the page popped off the
// stack (if a page boundary is crossed) to the elision decision.
func (w *Walker) up() {
	if w.position.DepthInPage() == 1 {
		w.handleElisionThreshold()
	}
	w.position = w.position.Up(1)
}

// down moves the cursor down through bitPath, hinting via fresh whether
// each page boundary crossed is guaranteed to be newly allocated (true
// during subtree replacement of a terminal with fresh structure) or must
// be fetched from ps.
func (w *Walker) down(ps pageset.PageSet, bitPath []bool, fresh bool) {
	for _, bit := range bitPath {
		if w.position.IsRoot() {
			w.stack = append(w.stack, w.pushPage(ps, pageid.RootPageId, fresh))
		} else if w.position.DepthInPage() == pageid.DEPTH {
			parent := w.stack[len(w.stack)-1]
			childIdx := w.position.ChildPageIndex()
			childID, err := parent.pageID.ChildPageId(childIdx)
			if err != nil {
				panic(err)
			}
			w.stack = append(w.stack, w.pushPage(ps, childID, fresh))
		}
		w.position = w.position.Down(bit)
	}
}

func (w *Walker) pushPage(ps pageset.PageSet, id pageid.PageId, fresh bool) *stackPage {
	if fresh {
		p := ps.Fresh(id)
		return newStackPage(id, p, page.NewPageDiff(), pageset.Reconstructed(0, page.NewPageDiff()))
	}
	got, origin, ok := ps.Get(id)
	if !ok {
		panic(fmt.Sprintf("merkle: required page not present in page set: %v", id))
	}
	return newStackPage(id, got.Thaw(), page.NewPageDiff(), origin)
}

// Siblings returns the previous values of any witness siblings
// encountered on the path to the current node, ascending in depth.
func (w *Walker) Siblings() []Sibling {
	return w.siblingStack
}

// Conclude finishes any pending compaction and returns the walker's
// output. Panics if called on a walker constructed for reconstruction.
func (w *Walker) Conclude() Output {
	if w.reconstruction {
		panic("merkle: Conclude called on a reconstruction-only walker")
	}
	w.compactUp(nil)

	updated := make([]UpdatedPage, 0, len(w.outputPages))
	for _, o := range w.outputPages {
		if o.kind != outputUpdated {
			panic("merkle: internal error: reconstructed output from a non-reconstruction walker")
		}
		updated = append(updated, o.updated)
	}

	out := Output{UpdatedPages: updated}
	if w.parentPage == nil {
		out.Root = w.root
	} else {
		out.ChildPageRoots = w.childPageRoots
	}
	return out
}

// reconstruct rebuilds all pages below the walker's parent page and the
// given position using ops, the full key set the elided subtree
// contains. Returns ok=false if the pages were already present (already
// reconstructed by a concurrent or earlier call).
func (w *Walker) reconstruct(ps pageset.PageSet, position pageid.TriePosition, ops []Op) (root trie.Node, pages []ReconstructedPage, ok bool) {
	if !w.reconstruction {
		panic("merkle: reconstruct called on a walker not built via newReconstructor")
	}

	parentPageID := *w.parentPage
	firstElidedID, err := parentPageID.ChildPageId(position.ChildPageIndex())
	if err != nil {
		panic(err)
	}

	if ps.Contains(firstElidedID) {
		return trie.Node{}, nil, false
	}

	firstElided := ps.Fresh(firstElidedID)
	firstElided.SetNode(0, trie.Terminator)
	firstElided.SetNode(1, trie.Terminator)
	diff := page.NewPageDiff()
	diff.SetChanged(0)
	diff.SetChanged(1)
	ps.Insert(firstElidedID, firstElided.Freeze(), pageset.Reconstructed(0, diff))

	divisorBit := (parentPageID.Depth() + 1) * pageid.DEPTH

	var leftOps, rightOps []Op
	for _, op := range ops {
		if trie.BitAt(op.KeyPath, divisorBit) {
			rightOps = append(rightOps, op)
		} else {
			leftOps = append(leftOps, op)
		}
	}

	leftPos := position.Down(false)
	w.AdvanceAndReplace(ps, leftPos, leftOps)

	rightPos := position.Down(true)
	w.AdvanceAndReplace(ps, rightPos, rightOps)

	w.compactUp(nil)

	reconstructed := make([]ReconstructedPage, 0, len(w.outputPages))
	for _, o := range w.outputPages {
		if o.kind != outputReconstructed {
			panic("merkle: internal error: updated output from a reconstruction walker")
		}
		reconstructed = append(reconstructed, o.reconstructed)
	}

	return w.childPageRoots[0].Node, reconstructed, true
}

// ReconstructPages reconstructs the elided subtree rooted at position
// within p (identified by pageID), given the full set of key-value pairs
// that subtree contains. Returns ok=false idempotently if the subtree's
// pages are already present in ps.
//
// Panics if the recomputed subtree root does not match the root recorded
// at position — a structural-mismatch invariant violation.
func ReconstructPages(hasher trie.NodeHasher, params Params, p page.Page, pageID pageid.PageId, position pageid.TriePosition, ps pageset.PageSet, ops []Op) ([]ReconstructedPage, bool) {
	subtreeRoot := p.Node(position.NodeIndex())

	w := newReconstructor(hasher, params, subtreeRoot, pageID)
	root, pages, ok := w.reconstruct(ps, position, ops)
	if !ok {
		return nil, false
	}

	if root != subtreeRoot {
		panic("merkle: reconstructed subtree root does not match the claimed subtree root")
	}

	return pages, true
}

func (w *Walker) compactUp(targetPos *pageid.TriePosition) {
	if len(w.stack) == 0 {
		return
	}

	var compactLayers int
	if targetPos != nil {
		currentDepth := w.position.Depth()
		sharedDepth := w.position.SharedDepth(*targetPos)

		keepSiblingDepth := sharedDepth
		keepLen := 0
		for _, s := range w.siblingStack {
			if s.Depth > keepSiblingDepth {
				break
			}
			keepLen++
		}
		w.siblingStack = w.siblingStack[:keepLen]

		// shared_depth is guaranteed less than current_depth because the
		// full prefix isn't shared. compact up (inclusive) to depth
		// shared_depth + 1.
		compactLayers = currentDepth - (sharedDepth + 1)

		if compactLayers == 0 {
			if w.prevNode != nil {
				w.siblingStack = append(w.siblingStack, Sibling{Node: *w.prevNode, Depth: currentDepth})
				w.prevNode = nil
			}
		} else {
			w.prevNode = nil
		}
	} else {
		w.siblingStack = w.siblingStack[:0]
		compactLayers = w.position.Depth()
	}

	for i := 0; i < compactLayers; i++ {
		nextNode := w.compactStep()
		w.up()

		if len(w.stack) == 0 {
			if w.parentPage == nil {
				w.root = nextNode
			} else {
				w.childPageRoots = append(w.childPageRoots, ChildPageRoot{Position: w.position, Node: nextNode})
			}
			break
		}

		if i == compactLayers-1 {
			w.siblingStack = append(w.siblingStack, Sibling{Node: w.node(), Depth: w.position.Depth()})
		}

		w.setNode(nextNode)
	}
}

func (w *Walker) compactStep() trie.Node {
	node := w.node()
	sibling := w.siblingNode()
	bit := w.position.PeekLastBit()

	switch {
	case trie.IsTerminator(node) && trie.IsTerminator(sibling):
		return trie.Terminator
	case w.hasher.IsLeaf(node) && trie.IsTerminator(sibling):
		w.setNode(trie.Terminator)
		return node
	case trie.IsTerminator(node) && w.hasher.IsLeaf(sibling):
		w.position = w.position.Sibling()
		w.setNode(trie.Terminator)
		return sibling
	default:
		var data trie.InternalData
		if bit {
			data = trie.InternalData{Left: sibling, Right: node}
		} else {
			data = trie.InternalData{Left: node, Right: sibling}
		}
		return w.hasher.HashInternal(&data)
	}
}

// node reads the node at the current position. Panics if no page is on
// the stack.
func (w *Walker) node() trie.Node {
	top := w.stack[len(w.stack)-1]
	return top.page.Node(w.position.NodeIndex())
}

// siblingNode reads the sibling of the node at the current position.
func (w *Walker) siblingNode() trie.Node {
	top := w.stack[len(w.stack)-1]
	return top.page.Node(w.position.SiblingIndex())
}

// setNode writes node at the current position, updating the top page's
// diff (or its sticky cleared flag, if this write empties the page's
// first layer).
func (w *Walker) setNode(node trie.Node) {
	idx := w.position.NodeIndex()
	sibling := w.siblingNode()

	top := w.stack[len(w.stack)-1]
	prev := top.page.Node(idx)
	top.page.SetNode(idx, node)

	if w.position.DepthInPage() == 1 && trie.IsTerminator(node) && trie.IsTerminator(sibling) {
		top.diff.SetCleared()
	} else if prev != node {
		top.diff.SetChanged(idx)
	}
}

// setSibling writes node into the sibling slot of the current position.
// Used to zero out stale garbage left by the page allocator.
func (w *Walker) setSibling(node trie.Node) {
	idx := w.position.SiblingIndex()
	top := w.stack[len(w.stack)-1]
	if top.page.Node(idx) == node {
		return
	}
	top.page.SetNode(idx, node)
	top.diff.SetChanged(idx)
}

func (w *Walker) assertPageInScope(pid pageid.PageId, ok bool) {
	if ok {
		if w.parentPage != nil {
			if pid.Equal(*w.parentPage) {
				panic("merkle: cannot advance onto the parent-page scope boundary itself")
			}
			if !pid.IsDescendantOf(*w.parentPage) {
				panic("merkle: position falls outside the walker's parent-page scope")
			}
		}
		return
	}
	if w.parentPage != nil {
		panic("merkle: root position is out of scope for a parent-page-scoped walker")
	}
}

// buildStack pushes, deep-copied from ps, every page on the chain from
// the current stack top (or the parent-page scope, or nothing) down to,
// but not including, the page containing position.
//
// Precondition: the stack is either empty or holds an ancestor of the
// page position lands in.
func (w *Walker) buildStack(ps pageset.PageSet, position pageid.TriePosition) {
	newPageID, ok := position.PageId()
	w.assertPageInScope(newPageID, ok)

	w.position = position
	if !ok {
		for len(w.stack) > 0 {
			w.handleElisionThreshold()
		}
		return
	}

	var target *pageid.PageId
	if len(w.stack) > 0 {
		t := w.stack[len(w.stack)-1].pageID
		target = &t
	} else if w.parentPage != nil {
		t := *w.parentPage
		target = &t
	}

	var pushed []*stackPage
	curAncestor := newPageID
	for target == nil || !curAncestor.Equal(*target) {
		p, origin, found := ps.Get(curAncestor)
		if !found {
			panic(fmt.Sprintf("merkle: required page not present in page set: %v", curAncestor))
		}
		pushed = append(pushed, newStackPage(curAncestor, p.Thaw(), page.NewPageDiff(), origin))

		if curAncestor.Equal(pageid.RootPageId) {
			break
		}
		curAncestor = curAncestor.ParentPageId()
	}

	// pushed descending; reverse onto the stack to make it ascending.
	for i := len(pushed) - 1; i >= 0; i-- {
		w.stack = append(w.stack, pushed[i])
	}
}

func (w *Walker) handleElisionThreshold() {
	if len(w.stack) == 0 {
		return
	}
	sp := w.stack[len(w.stack)-1]
	w.stack = w.stack[:len(w.stack)-1]

	if !sp.pageID.Equal(pageid.RootPageId) {
		sp.page.SetElidedChildren(sp.elidedChildren)
	}
	bitmapMoved := sp.elidedChildren != sp.origElided

	pushReconstructed := func() {
		w.outputPages = append(w.outputPages, pageWalkerPageOutput{
			kind: outputReconstructed,
			reconstructed: ReconstructedPage{
				PageID:        sp.pageID,
				Page:          sp.page,
				Diff:          sp.totalDiff(),
				LeavesCounter: *sp.leavesCounter,
			},
		})
	}

	pushUpdated := func() {
		diff := sp.totalDiff()
		if diff.Empty() && !bitmapMoved {
			// nothing in this page moved; emitting it would violate
			// diff minimality.
			return
		}
		bucket := pageset.FreshBucket()
		if sp.bucketInfo != nil {
			bucket = *sp.bucketInfo
		}
		w.outputPages = append(w.outputPages, pageWalkerPageOutput{
			kind: outputUpdated,
			updated: UpdatedPage{
				PageID: sp.pageID,
				Page:   sp.page,
				Diff:   diff,
				Bucket: bucket,
			},
		})
	}

	// if the stack is empty or the page is a child of the root, elision
	// and the carrying of elided children never happen: these pages are
	// never elided (pushUpdated still skips one that did not change).
	if len(w.stack) == 0 || sp.pageID.ParentPageId().Equal(pageid.RootPageId) {
		if w.reconstruction {
			pushReconstructed()
		} else {
			pushUpdated()
		}
		return
	}

	if sp.leavesCounter != nil {
		nLeaves := countLeaves(w.hasher, sp.page)
		elide := nLeaves+*sp.leavesCounter < w.params.ElisionThreshold && !w.inhibitElision

		if elide {
			parent := w.stack[len(w.stack)-1]
			if parent.leavesCounter != nil {
				*parent.leavesCounter += nLeaves + *sp.leavesCounter
			}

			childIdx := sp.pageID.ChildIndexAtLevel(sp.pageID.Depth() - 1)
			parent.elidedChildren.SetElided(childIdx, true)

			// during reconstruction, pages are never elided from the
			// output — the parent just records which children would be.
			if w.reconstruction {
				pushReconstructed()
				return
			}

			if sp.bucketInfo != nil {
				sp.diff.SetCleared()
				pushUpdated()
			}
			return
		}
	}

	// leaves_counter was already nil, or the threshold was exceeded:
	// propagate the saturated state upward and stop eliding this child.
	parent := w.stack[len(w.stack)-1]
	parent.leavesCounter = nil

	childIdx := sp.pageID.ChildIndexAtLevel(sp.pageID.Depth() - 1)
	parent.elidedChildren.SetElided(childIdx, false)

	if w.reconstruction {
		pushReconstructed()
	} else {
		pushUpdated()
	}
}

// countLeaves counts the leaves present only in p, without descending
// into child pages (those are summarised by a StackPage's
// leavesCounter). Traverses the page as if rooted at its top-of-page
// position so it tolerates garbage in slots its descent never reaches —
// a linear scan over raw bytes cannot make that guarantee.
func countLeaves(hasher trie.NodeHasher, p page.PageMut) uint64 {
	var counter uint64
	pos := pageid.NewTriePosition()
	initialDepth := pos.Depth()
	pos = pos.Down(false)

	for {
		node := p.Node(pos.NodeIndex())
		if hasher.IsInternal(node) && pos.DepthInPage() != pageid.DEPTH {
			pos = pos.Down(false)
			continue
		}

		if hasher.IsLeaf(node) {
			counter++
		}

		for pos.Depth() != initialDepth && pos.PeekLastBit() {
			pos = pos.Up(1)
		}

		if pos.Depth() == initialDepth {
			break
		}

		pos = pos.Sibling()
	}
	return counter
}
