package pageset

import (
	"sync"

	"github.com/kvtrie/pagetrie/page"
	"github.com/kvtrie/pagetrie/pageid"
)

// entry bundles a cached page with the metadata the walker needs back
// out of Get.
type entry struct {
	page   page.Page
	origin PageOrigin
}

// MemPageSet is the reference, fully memory-resident PageSet
// implementation: every page the walker could ever touch must already
// be present. It never evicts — every page along the descent path to
// a position the walker will visit must already be present before the
// corresponding advance_* call.
type MemPageSet struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewMemPageSet returns an empty in-memory page set.
func NewMemPageSet() *MemPageSet {
	return &MemPageSet{entries: make(map[string]entry)}
}

func key(id pageid.PageId) string {
	return string(id.Encode())
}

// Get implements PageSet.
func (s *MemPageSet) Get(id pageid.PageId) (page.Page, PageOrigin, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key(id)]
	if !ok {
		return page.Page{}, PageOrigin{}, false
	}
	return e.page, e.origin, true
}

// Contains implements PageSet.
func (s *MemPageSet) Contains(id pageid.PageId) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[key(id)]
	return ok
}

// Fresh implements PageSet.
func (s *MemPageSet) Fresh(id pageid.PageId) page.PageMut {
	return page.NewPageMut()
}

// Insert implements PageSet.
func (s *MemPageSet) Insert(id pageid.PageId, p page.Page, origin PageOrigin) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key(id)] = entry{page: p, origin: origin}
}

// Remove drops the page at id, if present. The storage layer calls this
// when a walk emits the page with its cleared flag set: a logically
// deleted or elided page must be absent from subsequent reads.
func (s *MemPageSet) Remove(id pageid.PageId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key(id))
}

// Len returns the number of pages currently held, for test assertions.
func (s *MemPageSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
