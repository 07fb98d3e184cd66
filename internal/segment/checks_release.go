//go:build !scalemallocdebug

package segment

import (
	"unsafe"

	"github.com/scalemalloc/scalemalloc/internal/page"
)

func assertOwnership(*Segment, *page.LogicalPage, unsafe.Pointer) {}
