package mem

// PhysicalAddress is an address in the machine's physical address space.
type PhysicalAddress uintptr

// VirtualAddress is an address in a virtual address space. It is a distinct
// type from PhysicalAddress; the two only meet through an explicit
// translation such as PhysicalAddress.InKernelSpace or a page table lookup.
type VirtualAddress uintptr

// InKernelSpace returns the virtual address through which the kernel reaches
// this physical address using its direct physical memory map.
func (a PhysicalAddress) InKernelSpace() VirtualAddress {
	return VirtualAddress(uintptr(a) + KernelPhysicalMapBase)
}

// Offset returns the address that lies n bytes after a.
func (a PhysicalAddress) Offset(n Size) PhysicalAddress {
	return a + PhysicalAddress(n)
}

// IsAligned returns true if a is a multiple of align (a power of 2).
func (a PhysicalAddress) IsAligned(align Size) bool {
	return uintptr(a)&(uintptr(align)-1) == 0
}

// AlignDown rounds a down to a multiple of align (a power of 2).
func (a PhysicalAddress) AlignDown(align Size) PhysicalAddress {
	return a &^ PhysicalAddress(align-1)
}

// AlignUp rounds a up to a multiple of align (a power of 2).
func (a PhysicalAddress) AlignUp(align Size) PhysicalAddress {
	return (a + PhysicalAddress(align-1)) &^ PhysicalAddress(align-1)
}

// Offset returns the address that lies n bytes after a.
func (a VirtualAddress) Offset(n Size) VirtualAddress {
	return a + VirtualAddress(n)
}

// IsAligned returns true if a is a multiple of align (a power of 2).
func (a VirtualAddress) IsAligned(align Size) bool {
	return uintptr(a)&(uintptr(align)-1) == 0
}

// AlignDown rounds a down to a multiple of align (a power of 2).
func (a VirtualAddress) AlignDown(align Size) VirtualAddress {
	return a &^ VirtualAddress(align-1)
}

// AlignUp rounds a up to a multiple of align (a power of 2).
func (a VirtualAddress) AlignUp(align Size) VirtualAddress {
	return (a + VirtualAddress(align-1)) &^ VirtualAddress(align-1)
}

// PageOffset returns the offset of a inside a page of the given size class.
func (a VirtualAddress) PageOffset(class SizeClass) Size {
	return Size(uintptr(a) & (uintptr(class.Size()) - 1))
}
