// Package mem defines the address and size vocabulary shared by the physical
// and virtual memory managers.
package mem

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// AlignUp rounds s up to the next multiple of align, which must be a power
// of 2.
func (s Size) AlignUp(align Size) Size {
	return (s + align - 1) &^ (align - 1)
}
