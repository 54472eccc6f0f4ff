package mem

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = 3

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = 12

	// PageSize defines the size in bytes of the smallest page/frame size
	// class.
	PageSize = Size(1 << PageShift)

	// KernelPhysicalMapBase is the virtual address where the kernel maps
	// the whole of physical memory. PhysicalAddress.InKernelSpace
	// translates into this window.
	KernelPhysicalMapBase = uintptr(0xffff800000000000)
)
