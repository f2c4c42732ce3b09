//go:build linux

package segment

import (
	"unsafe"

	"github.com/sharedmem/pagecache/internal/filekey"
)

// header is the fixed-size, segment-wide bookkeeping block (spec.md §3.3):
// a reference count, the CLOCK hand, and the capacity this segment was
// created with. It is padded to exactly one page so that the metadata
// array that follows it always starts at a page-aligned offset, the same
// way the data array after the metadata array does — mmap always returns
// a page-aligned base address, so any multiple-of-page offset from it is
// itself page-aligned.
type header struct {
	RefCount  int64
	ClockHand int64
	Capacity  int64
	_         [headerPadding]byte
}

const headerFieldsSize = int(unsafe.Sizeof(int64(0)) * 3)
const headerPadding = PageSize - headerFieldsSize

// slotMeta is the fixed-size identity and status record for one page slot
// (spec.md §3.2), kept in its own flat array so the data array stays a
// tightly packed, page-aligned run of pages with no per-slot metadata
// interleaved into it.
type slotMeta struct {
	Key    filekey.Key
	Offset int64
	Used   uint32
	Dirty  uint32
}

var slotMetaSize = int(unsafe.Sizeof(slotMeta{}))

// openEntry tracks how many live descriptors, across every attached
// process, currently reference a file key (spec.md §4.2: distinguishing a
// key with a still-open lifecycle from one whose only remaining slots are
// stale leftovers of a closed one). It lives in its own flat array inside
// the shared segment, indexed by nothing in particular: Open and Close
// scan it for a matching (or free) Key the same way the slot metadata
// array is scanned for a matching page.
type openEntry struct {
	Key   filekey.Key
	Count int32
	_     [4]byte
}

var openEntrySize = int(unsafe.Sizeof(openEntry{}))

// roundUpToPage rounds n up to the next multiple of PageSize.
func roundUpToPage(n int) int {
	if rem := n % PageSize; rem != 0 {
		n += PageSize - rem
	}
	return n
}

// layout describes where each region lives inside the mapping for a given
// capacity. The header always occupies exactly one page.
type layout struct {
	capacity      int
	metaRegionOff int
	metaRegionLen int
	openRegionOff int
	openRegionLen int
	openCapacity  int
	dataRegionOff int
	dataRegionLen int
	totalSize     int
}

func computeLayout(capacity int) layout {
	metaLen := roundUpToPage(capacity * slotMetaSize)
	// The open table is sized off the same capacity: a workload cannot
	// usefully have more distinct live-open files than it has pages to
	// cache for them.
	openLen := roundUpToPage(capacity * openEntrySize)
	dataLen := capacity * PageSize
	return layout{
		capacity:      capacity,
		metaRegionOff: PageSize,
		metaRegionLen: metaLen,
		openRegionOff: PageSize + metaLen,
		openRegionLen: openLen,
		openCapacity:  capacity,
		dataRegionOff: PageSize + metaLen + openLen,
		dataRegionLen: dataLen,
		totalSize:     PageSize + metaLen + openLen + dataLen,
	}
}

// headerPtr reinterprets the first page of mapping as *header.
func headerPtr(mapping []byte) *header {
	return (*header)(unsafe.Pointer(&mapping[0]))
}

// metaSlice reinterprets the metadata region as a []slotMeta of length
// l.capacity.
func metaSlice(mapping []byte, l layout) []slotMeta {
	base := unsafe.Pointer(&mapping[l.metaRegionOff])
	return unsafe.Slice((*slotMeta)(base), l.capacity)
}

// dataPage returns the page-aligned data page belonging to slot i.
func dataPage(mapping []byte, l layout, i int) []byte {
	start := l.dataRegionOff + i*PageSize
	return mapping[start : start+PageSize : start+PageSize]
}

// openSlice reinterprets the open-reference region as a []openEntry of
// length l.openCapacity.
func openSlice(mapping []byte, l layout) []openEntry {
	base := unsafe.Pointer(&mapping[l.openRegionOff])
	return unsafe.Slice((*openEntry)(base), l.openCapacity)
}
