package addrspace

import (
	"pebble/kernel"
	"pebble/kernel/mem"
	"pebble/kernel/mem/physmem"
	"pebble/kernel/mem/pmm"
	"pebble/kernel/mem/vmm"
	"pebble/kernel/sync"
	"pebble/multiboot"
)

var (
	errEmptyObject      = &kernel.Error{Module: "addrspace", Message: "memory object size must be greater than zero"}
	errMisalignedObject = &kernel.Error{Module: "addrspace", Message: "memory object addresses must be page-aligned"}
	errNoFramebuffer    = &kernel.Error{Module: "addrspace", Message: "no framebuffer available"}

	// ErrObjectInUse is returned by Release while the object is still
	// mapped into an address space.
	ErrObjectInUse = &kernel.Error{Module: "addrspace", Message: "memory object is still mapped"}

	// ErrObjectReleased is returned when mapping a memory object whose
	// frames have been returned to the allocator.
	ErrObjectReleased = &kernel.Error{Module: "addrspace", Message: "memory object has been released"}
)

// MemoryObject is a block of memory that can be mapped into one or more
// address spaces. It is either backed by frames that the object owns or it
// describes a block of device memory at a fixed physical address.
type MemoryObject struct {
	virt   mem.VirtualAddress
	size   mem.Size
	flags  vmm.Flags
	device bool

	// phys is the start of device memory.
	phys mem.PhysicalAddress

	// lock guards the fields below. It is always acquired after the lock
	// of the address space the object is being mapped into.
	lock     sync.Spinlock
	frames   []pmm.Frame
	mappings int
	released bool
}

// CreateMemoryObject creates a user-accessible memory object of size bytes
// (rounded up to a page multiple) to be mapped at virt. The object is backed
// by freshly allocated frames that are cleared through memory. If an
// allocation fails, the frames obtained so far are returned to alloc.
func CreateMemoryObject(memory physmem.Memory, virt mem.VirtualAddress, size mem.Size, writable, executable bool, alloc pmm.FrameAllocator) (*MemoryObject, *kernel.Error) {
	if size == 0 {
		return nil, errEmptyObject
	}

	if !virt.IsAligned(mem.PageSize) {
		return nil, errMisalignedObject
	}

	obj := &MemoryObject{
		virt:  virt,
		size:  size.AlignUp(mem.PageSize),
		flags: vmm.Flags{
			Writable:       writable,
			Executable:     executable,
			UserAccessible: true,
			Cached:         true,
		},
	}

	obj.frames = make([]pmm.Frame, 0, obj.size>>mem.PageShift)
	for len(obj.frames) < cap(obj.frames) {
		frame, err := alloc.AllocFrame(mem.Class4K)
		if err != nil {
			obj.releaseLocked(alloc)
			return nil, err
		}

		physmem.Zero(memory, frame.Address(), mem.PageSize)
		obj.frames = append(obj.frames, frame)
	}

	return obj, nil
}

// NewDeviceObject describes size bytes of device memory at phys to be mapped
// at virt with the supplied flags.
func NewDeviceObject(virt mem.VirtualAddress, phys mem.PhysicalAddress, size mem.Size, flags vmm.Flags) (*MemoryObject, *kernel.Error) {
	if size == 0 {
		return nil, errEmptyObject
	}

	if !virt.IsAligned(mem.PageSize) || !phys.IsAligned(mem.PageSize) {
		return nil, errMisalignedObject
	}

	return &MemoryObject{
		virt:   virt,
		size:   size.AlignUp(mem.PageSize),
		flags:  flags,
		device: true,
		phys:   phys,
	}, nil
}

// FramebufferObject describes the framebuffer set up by the bootloader as an
// uncached, writable, user-accessible device object mapped at virt. A
// framebuffer that does not start on a page boundary is mapped from the
// start of its first page.
func FramebufferObject(info *multiboot.FramebufferInfo, virt mem.VirtualAddress) (*MemoryObject, *kernel.Error) {
	if info == nil {
		return nil, errNoFramebuffer
	}

	phys := mem.PhysicalAddress(info.PhysAddr)
	base := phys.AlignDown(mem.PageSize)
	return NewDeviceObject(virt, base, mem.Size(info.Size())+mem.Size(phys-base), vmm.Flags{
		Writable:       true,
		UserAccessible: true,
	})
}

// Virt returns the virtual address of the start of the object.
func (obj *MemoryObject) Virt() mem.VirtualAddress { return obj.virt }

// Size returns the object size in bytes.
func (obj *MemoryObject) Size() mem.Size { return obj.size }

// Flags returns the flags used when mapping the object.
func (obj *MemoryObject) Flags() vmm.Flags { return obj.flags }

// IsDevice returns true if the object describes device memory.
func (obj *MemoryObject) IsDevice() bool { return obj.device }

// Mappings returns the number of address spaces the object is mapped into.
func (obj *MemoryObject) Mappings() int {
	obj.lock.Acquire()
	defer obj.lock.Release()
	return obj.mappings
}

// Release returns the frames owned by the object to alloc. An object that is
// still mapped somewhere cannot be released. Once released, an object can no
// longer be mapped. Releasing a device object is a no-op.
func (obj *MemoryObject) Release(alloc pmm.FrameAllocator) *kernel.Error {
	obj.lock.Acquire()
	defer obj.lock.Release()

	if obj.mappings > 0 {
		return ErrObjectInUse
	}

	obj.releaseLocked(alloc)
	return nil
}

func (obj *MemoryObject) releaseLocked(alloc pmm.FrameAllocator) {
	if obj.device || obj.released {
		return
	}

	for _, frame := range obj.frames {
		_ = alloc.FreeFrame(frame)
	}
	obj.frames = nil
	obj.released = true
}

func (obj *MemoryObject) end() mem.VirtualAddress {
	return obj.virt.Offset(obj.size)
}

func (obj *MemoryObject) overlaps(other *MemoryObject) bool {
	return obj.virt < other.end() && other.virt < obj.end()
}
