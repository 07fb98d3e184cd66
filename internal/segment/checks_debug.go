//go:build scalemallocdebug

package segment

import (
	"fmt"
	"unsafe"

	"github.com/scalemalloc/scalemalloc/internal/page"
)

// assertOwnership validates that a freed pointer's page header agrees with
// the deallocating segment. Enabled with -tags scalemallocdebug; in normal
// builds a foreign pointer is undefined behavior, matching the contract
// that only allocator-produced pointers reach Deallocate.
func assertOwnership(s *Segment, pg *page.LogicalPage, ptr unsafe.Pointer) {
	if pg.SegmentID() != s.id {
		panic(fmt.Sprintf("segment: pointer %p belongs to segment %d, freed through segment %d",
			ptr, pg.SegmentID(), s.id))
	}

	if pg.SizeClass() != s.params.SizeClass {
		panic(fmt.Sprintf("segment: pointer %p has size class %d, freed through size class %d",
			ptr, pg.SizeClass(), s.params.SizeClass))
	}
}
