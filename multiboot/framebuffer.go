package multiboot

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// fbInfoSize is the size of the fixed part of the framebuffer tag payload.
const fbInfoSize = 22

// FramebufferType defines the type of the initialized framebuffer.
type FramebufferType uint8

const (
	// FramebufferTypeIndexed specifies a 256-color palette.
	FramebufferTypeIndexed FramebufferType = iota

	// FramebufferTypeRGB specifies direct RGB mode.
	FramebufferTypeRGB

	// FramebufferTypeEGA specifies EGA text mode.
	FramebufferTypeEGA
)

// FramebufferInfo provides information about the initialized framebuffer.
type FramebufferInfo struct {
	// The framebuffer physical address.
	PhysAddr uint64

	// Row pitch in bytes.
	Pitch uint32

	// Width and height in pixels (or characters if Type = FramebufferTypeEGA)
	Width, Height uint32

	// Bits per pixel (non EGA modes only).
	Bpp uint8

	// Framebuffer type.
	Type FramebufferType

	rgb FramebufferRGBColorInfo
}

// FramebufferRGBColorInfo describes the order and width of each color component
// for a 15-, 16-, 24- or 32-bit framebuffer.
type FramebufferRGBColorInfo struct {
	// The position and width (in bits) of the red component.
	RedPosition uint8
	RedMaskSize uint8

	// The position and width (in bits) of the green component.
	GreenPosition uint8
	GreenMaskSize uint8

	// The position and width (in bits) of the blue component.
	BluePosition uint8
	BlueMaskSize uint8
}

// Size returns the number of bytes spanned by the framebuffer.
func (i *FramebufferInfo) Size() uint64 {
	return uint64(i.Pitch) * uint64(i.Height)
}

// RGBColorInfo returns the FramebufferRGBColorInfo for a RGB framebuffer or
// nil for other framebuffer types.
func (i *FramebufferInfo) RGBColorInfo() *FramebufferRGBColorInfo {
	if i.Type != FramebufferTypeRGB {
		return nil
	}

	rgb := i.rgb
	return &rgb
}

func parseFramebufferInfo(payload []byte) (*FramebufferInfo, error) {
	if len(payload) < fbInfoSize {
		return nil, errors.Wrapf(ErrMalformedTag, "framebuffer info truncated (%d bytes)", len(payload))
	}

	info := &FramebufferInfo{
		PhysAddr: binary.LittleEndian.Uint64(payload),
		Pitch:    binary.LittleEndian.Uint32(payload[8:]),
		Width:    binary.LittleEndian.Uint32(payload[12:]),
		Height:   binary.LittleEndian.Uint32(payload[16:]),
		Bpp:      payload[20],
		Type:     FramebufferType(payload[21]),
	}

	// The color info block follows a 16-bit reserved field.
	if info.Type == FramebufferTypeRGB {
		if len(payload) < fbInfoSize+2+6 {
			return nil, errors.Wrapf(ErrMalformedTag, "RGB framebuffer color info truncated (%d bytes)", len(payload))
		}

		c := payload[fbInfoSize+2:]
		info.rgb = FramebufferRGBColorInfo{
			RedPosition:   c[0],
			RedMaskSize:   c[1],
			GreenPosition: c[2],
			GreenMaskSize: c[3],
			BluePosition:  c[4],
			BlueMaskSize:  c[5],
		}
	}

	return info, nil
}

// FramebufferInfo returns information about the framebuffer initialized by the
// bootloader. It returns nil if no framebuffer info is available.
func (info *Info) FramebufferInfo() *FramebufferInfo {
	return info.framebuffer
}
