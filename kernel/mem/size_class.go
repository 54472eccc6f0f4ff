package mem

// SizeClass identifies one of the page/frame sizes supported by the MMU.
type SizeClass uint8

const (
	// Class4K selects 4 KiB pages.
	Class4K SizeClass = iota

	// Class2M selects 2 MiB pages.
	Class2M

	// Class1G selects 1 GiB pages.
	Class1G

	numSizeClasses
)

var sizeClassShifts = [numSizeClasses]uint8{12, 21, 30}

// Valid returns true if c is a supported size class.
func (c SizeClass) Valid() bool {
	return c < numSizeClasses
}

// Shift returns log2 of the size class in bytes.
func (c SizeClass) Shift() uint8 {
	return sizeClassShifts[c]
}

// Size returns the number of bytes covered by a page of this class.
func (c SizeClass) Size() Size {
	return Size(1) << sizeClassShifts[c]
}

// FrameCount returns the number of 4 KiB frames covered by a page of this
// class.
func (c SizeClass) FrameCount() uint64 {
	return uint64(1) << (sizeClassShifts[c] - PageShift)
}

// String implements fmt.Stringer for SizeClass.
func (c SizeClass) String() string {
	switch c {
	case Class4K:
		return "4K"
	case Class2M:
		return "2M"
	case Class1G:
		return "1G"
	default:
		return "invalid"
	}
}
