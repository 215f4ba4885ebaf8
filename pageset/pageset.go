// Package pageset defines the PageSet collaborator contract the
// page-tree walker consumes, plus two concrete implementations: an
// in-memory reference PageSet and a disk-backed one adapted from this
// repository's own hash-indexed segment store.
package pageset

import (
	"errors"

	"github.com/kvtrie/pagetrie/page"
	"github.com/kvtrie/pagetrie/pageid"
)

// ErrPageNotFound names a missing page for callers that report one as an
// error. Neither PageSet in this package returns it (Get reports a miss
// through its bool result), and the walker itself never sees it — a
// missing required page is a fatal precondition violation.
var ErrPageNotFound = errors.New("pageset: page not found")

// ErrAlreadyPresent names the condition of inserting a page that is
// expected to be new under an id another page already occupies. The
// PageSet interface never returns it (Insert unconditionally
// overwrites), and no code in this repository returns it either.
var ErrAlreadyPresent = errors.New("pageset: page already present")

// BucketInfo names which on-disk bucket a persisted page lives in, or
// records that the page is freshly allocated and has none yet.
type BucketInfo struct {
	fresh  bool
	bucket uint64
}

// FreshBucket returns a BucketInfo for a page with no on-disk home yet.
func FreshBucket() BucketInfo {
	return BucketInfo{fresh: true}
}

// OnDiskBucket returns a BucketInfo naming an existing bucket.
func OnDiskBucket(bucket uint64) BucketInfo {
	return BucketInfo{bucket: bucket}
}

// IsFresh reports whether the page has no on-disk bucket assigned.
func (b BucketInfo) IsFresh() bool { return b.fresh }

// Bucket returns the assigned bucket number. Only meaningful when
// !IsFresh().
func (b BucketInfo) Bucket() uint64 { return b.bucket }

// OriginKind distinguishes how a cached page entered the PageSet.
type OriginKind int

const (
	// OriginPersisted marks a page read from durable storage.
	OriginPersisted OriginKind = iota
	// OriginReconstructed marks a page rebuilt from an elided subtree's
	// full key set by the reconstruction driver.
	OriginReconstructed
)

// PageOrigin is a tagged record attached to every cached page,
// describing how it entered the set.
type PageOrigin struct {
	Kind OriginKind

	// valid iff Kind == OriginPersisted
	Bucket BucketInfo

	// valid iff Kind == OriginReconstructed
	LeavesCounter uint64
	ReconDiff     page.PageDiff
}

// Persisted builds a PageOrigin for a page read from durable storage.
func Persisted(bucket BucketInfo) PageOrigin {
	return PageOrigin{Kind: OriginPersisted, Bucket: bucket}
}

// Reconstructed builds a PageOrigin for a page rebuilt from elided data.
func Reconstructed(leavesCounter uint64, diff page.PageDiff) PageOrigin {
	return PageOrigin{Kind: OriginReconstructed, LeavesCounter: leavesCounter, ReconDiff: diff}
}

// LeavesCounterPtr returns the cumulative child-leaf counter carried by a
// Reconstructed origin, or nil for a Persisted one. The walker's
// StackPage keeps this as an optional field: present iff the cumulative
// leaf count beneath this page is still known to be under the elision
// threshold.
func (o PageOrigin) LeavesCounterPtr() *uint64 {
	if o.Kind != OriginReconstructed {
		return nil
	}
	v := o.LeavesCounter
	return &v
}

// BucketInfoPtr returns the on-disk bucket assignment carried by a
// Persisted origin, or nil for a Reconstructed one.
func (o PageOrigin) BucketInfoPtr() *BucketInfo {
	if o.Kind != OriginPersisted {
		return nil
	}
	b := o.Bucket
	return &b
}

// ReconDiffPtr returns the diff summarising a reconstruction, carried by
// a Reconstructed origin, or nil for a Persisted one.
func (o PageOrigin) ReconDiffPtr() *page.PageDiff {
	if o.Kind != OriginReconstructed {
		return nil
	}
	d := o.ReconDiff
	return &d
}

// PageSet is the read-through/write-through page cache the walker
// consumes. Every method is assumed synchronous and non-blocking — the
// cache is expected to be memory-resident.
type PageSet interface {
	// Get returns a shared snapshot of the page at id, and its origin.
	// The walker deep-copies before mutating it.
	Get(id pageid.PageId) (page.Page, PageOrigin, bool)
	// Contains reports membership without fetching the page body; used
	// by reconstruction to skip work already done.
	Contains(id pageid.PageId) bool
	// Fresh allocates a pristine, empty page bound to id.
	Fresh(id pageid.PageId) page.PageMut
	// Insert publishes page back into the set under id with the given
	// origin, transferring ownership to the set.
	Insert(id pageid.PageId, p page.Page, origin PageOrigin)
}
