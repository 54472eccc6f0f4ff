package addrspace

import (
	"testing"

	"pebble/kernel"
	"pebble/kernel/cpu"
	"pebble/kernel/mem"
	"pebble/kernel/mem/physmem"
	"pebble/kernel/mem/pmm"
	"pebble/kernel/mem/pmm/allocator"
	"pebble/kernel/mem/vmm"
	"pebble/multiboot"
	"pebble/multiboot/multiboottest"
)

const (
	testMemBase    = mem.PhysicalAddress(0x100000)
	testMemSize    = 4 * mem.Mb
	testUserVirt   = mem.VirtualAddress(0x400000)
	testKernelVirt = mem.VirtualAddress(mem.KernelPhysicalMapBase)
)

var errTestOutOfMemory = &kernel.Error{Module: "test", Message: "out of memory"}

// limitedAllocator fails once limit frames have been handed out.
type limitedAllocator struct {
	pmm.FrameAllocator
	limit int
}

func (a *limitedAllocator) AllocFrame(class mem.SizeClass) (pmm.Frame, *kernel.Error) {
	if a.limit == 0 {
		return pmm.InvalidFrame, errTestOutOfMemory
	}
	a.limit--
	return a.FrameAllocator.AllocFrame(class)
}

type testEnv struct {
	arena  *physmem.Arena
	alloc  *allocator.BitmapAllocator
	kernel *vmm.PageDirectoryTable
}

// reserved returns the number of frames currently handed out.
func (env *testEnv) reserved() uint64 {
	_, reserved := env.alloc.Stats()
	return reserved
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	origPDT := cpu.ActivePDT()
	t.Cleanup(func() { cpu.SwitchPDT(origPDT) })

	arena, err := physmem.NewArena(testMemBase, testMemSize)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = arena.Close() })

	// Fill memory with junk so that missing clears show up.
	junk := arena.Bytes(testMemBase, testMemSize)
	for i := range junk {
		junk[i] = 0xaa
	}

	info, err := multiboot.Parse(new(multiboottest.Builder).MemoryMap(
		multiboottest.MemoryRegion{Base: uint64(testMemBase), Length: uint64(testMemSize), Type: multiboottest.MemAvailable},
	).Build())
	if err != nil {
		t.Fatal(err)
	}

	alloc, kErr := allocator.NewBitmapAllocator(info, arena, allocator.NewBootMemAllocator(info, nil), nil)
	if kErr != nil {
		t.Fatal(kErr)
	}

	kernelPDT, kErr := vmm.NewKernelPDT(arena, alloc)
	if kErr != nil {
		t.Fatal(kErr)
	}
	kernelPDT.SwitchTo()

	return &testEnv{arena: arena, alloc: alloc, kernel: kernelPDT}
}

func TestCreateMemoryObject(t *testing.T) {
	env := newTestEnv(t)
	before := env.reserved()

	obj, err := CreateMemoryObject(env.arena, testUserVirt, 0x2100, true, false, env.alloc)
	if err != nil {
		t.Fatal(err)
	}

	if exp, got := mem.Size(0x3000), obj.Size(); got != exp {
		t.Errorf("expected object size to be rounded up to 0x%x; got 0x%x", uint64(exp), uint64(got))
	}

	if obj.Virt() != testUserVirt {
		t.Errorf("expected object to start at 0x%x; got 0x%x", testUserVirt, obj.Virt())
	}

	if exp, got := (vmm.Flags{Writable: true, UserAccessible: true, Cached: true}), obj.Flags(); got != exp {
		t.Errorf("expected flags %+v; got %+v", exp, got)
	}

	if obj.IsDevice() {
		t.Error("expected object backed by frames not to be a device object")
	}

	if exp, got := before+3, env.reserved(); got != exp {
		t.Errorf("expected %d reserved frames; got %d", exp, got)
	}

	for i, frame := range obj.frames {
		for j, b := range env.arena.Bytes(frame.Address(), frame.Size()) {
			if b != 0 {
				t.Fatalf("[frame %d] expected byte %d to be cleared; got 0x%x", i, j, b)
			}
		}
	}

	if err = obj.Release(env.alloc); err != nil {
		t.Fatal(err)
	}
	if got := env.reserved(); got != before {
		t.Errorf("expected released frames to be returned; reserved count is %d, want %d", got, before)
	}

	if obj.IsDevice() {
		t.Error("expected released object not to turn into a device object")
	}

	// Releasing twice does not free the frames again.
	if err = obj.Release(env.alloc); err != nil {
		t.Errorf("expected second release to be a no-op; got %v", err)
	}

	as, err := New(env.kernel, env.alloc)
	if err != nil {
		t.Fatal(err)
	}

	if err = as.MapMemoryObject(obj, env.alloc); err != ErrObjectReleased {
		t.Errorf("expected ErrObjectReleased when mapping a released object; got %v", err)
	}

	if len(as.objects) != 0 {
		t.Error("expected released object not to be tracked by the address space")
	}
}

func TestCreateMemoryObjectErrors(t *testing.T) {
	env := newTestEnv(t)
	before := env.reserved()

	specs := []struct {
		virt   mem.VirtualAddress
		size   mem.Size
		alloc  pmm.FrameAllocator
		expErr *kernel.Error
	}{
		{testUserVirt, 0, env.alloc, errEmptyObject},
		{testUserVirt + 0x10, mem.PageSize, env.alloc, errMisalignedObject},
		{testUserVirt, 4 * mem.PageSize, &limitedAllocator{FrameAllocator: env.alloc, limit: 2}, errTestOutOfMemory},
	}

	for specIndex, spec := range specs {
		obj, err := CreateMemoryObject(env.arena, spec.virt, spec.size, true, true, spec.alloc)
		if err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}
		if obj != nil {
			t.Errorf("[spec %d] expected no object on error", specIndex)
		}
	}

	if got := env.reserved(); got != before {
		t.Errorf("expected frames of failed objects to be released; reserved count is %d, want %d", got, before)
	}
}

func TestNewDeviceObject(t *testing.T) {
	flags := vmm.Flags{Writable: true}

	obj, err := NewDeviceObject(0x40000000, 0xfe000000, 0x1800, flags)
	if err != nil {
		t.Fatal(err)
	}

	if !obj.IsDevice() {
		t.Error("expected a device object")
	}

	if exp, got := mem.Size(0x2000), obj.Size(); got != exp {
		t.Errorf("expected object size 0x%x; got 0x%x", uint64(exp), uint64(got))
	}

	if obj.Flags() != flags {
		t.Errorf("expected flags %+v; got %+v", flags, obj.Flags())
	}

	if _, err = NewDeviceObject(0x40000000, 0xfe000000, 0, flags); err != errEmptyObject {
		t.Errorf("expected errEmptyObject; got %v", err)
	}

	if _, err = NewDeviceObject(0x40000000, 0xfe000010, mem.PageSize, flags); err != errMisalignedObject {
		t.Errorf("expected errMisalignedObject; got %v", err)
	}
}

func TestFramebufferObject(t *testing.T) {
	if _, err := FramebufferObject(nil, 0x40000000); err != errNoFramebuffer {
		t.Errorf("expected errNoFramebuffer; got %v", err)
	}

	info := &multiboot.FramebufferInfo{
		PhysAddr: 0xfd000800,
		Pitch:    4096,
		Width:    1024,
		Height:   768,
		Bpp:      32,
		Type:     multiboot.FramebufferTypeRGB,
	}

	obj, err := FramebufferObject(info, 0x40000000)
	if err != nil {
		t.Fatal(err)
	}

	if exp, got := mem.PhysicalAddress(0xfd000000), obj.phys; got != exp {
		t.Errorf("expected framebuffer to be mapped from 0x%x; got 0x%x", exp, got)
	}

	if exp, got := mem.Size(0x301000), obj.Size(); got != exp {
		t.Errorf("expected framebuffer object size 0x%x; got 0x%x", uint64(exp), uint64(got))
	}

	if exp, got := (vmm.Flags{Writable: true, UserAccessible: true}), obj.Flags(); got != exp {
		t.Errorf("expected flags %+v; got %+v", exp, got)
	}
}

func TestMapMemoryObject(t *testing.T) {
	env := newTestEnv(t)

	as, err := New(env.kernel, env.alloc)
	if err != nil {
		t.Fatal(err)
	}

	obj, err := CreateMemoryObject(env.arena, testUserVirt, 2*mem.PageSize, true, false, env.alloc)
	if err != nil {
		t.Fatal(err)
	}

	if err = as.MapMemoryObject(obj, env.alloc); err != nil {
		t.Fatal(err)
	}

	for i, frame := range obj.frames {
		virt := testUserVirt.Offset(mem.Size(i)*mem.PageSize + 0x10)
		phys, ok := as.Translate(virt)
		if !ok || phys != frame.Address().Offset(0x10) {
			t.Errorf("[page %d] expected 0x%x to map to 0x%x; got 0x%x, %t", i, virt, frame.Address().Offset(0x10), phys, ok)
		}

		mapping, _ := as.Table().Lookup(virt)
		if exp := obj.Flags(); mapping.Flags != exp {
			t.Errorf("[page %d] expected flags %+v; got %+v", i, exp, mapping.Flags)
		}
	}

	if _, ok := env.kernel.Translate(testUserVirt); ok {
		t.Error("expected task mappings not to be visible in the kernel page table")
	}

	overlapping, _ := NewDeviceObject(testUserVirt.Offset(mem.PageSize), 0xfe000000, mem.PageSize, vmm.Flags{})
	specs := []*MemoryObject{obj, overlapping}
	for specIndex, spec := range specs {
		if err = as.MapMemoryObject(spec, env.alloc); err != ErrObjectOverlap {
			t.Errorf("[spec %d] expected ErrObjectOverlap; got %v", specIndex, err)
		}
	}

	if err = as.UnmapMemoryObject(obj); err != nil {
		t.Fatal(err)
	}

	if _, ok := as.Translate(testUserVirt); ok {
		t.Error("expected object pages to be unmapped")
	}

	if err = as.UnmapMemoryObject(obj); err != ErrObjectNotMapped {
		t.Errorf("expected ErrObjectNotMapped; got %v", err)
	}

	// The range is free again.
	if err = as.MapMemoryObject(overlapping, env.alloc); err != nil {
		t.Errorf("expected device object to be mapped after the overlapping object was removed; got %v", err)
	}
}

func TestMapDeviceObject(t *testing.T) {
	env := newTestEnv(t)

	as, err := New(env.kernel, env.alloc)
	if err != nil {
		t.Fatal(err)
	}

	obj, err := NewDeviceObject(0x40000000, 0x80000000, 2*mem.Mb+mem.PageSize, vmm.Flags{Writable: true})
	if err != nil {
		t.Fatal(err)
	}

	if err = as.MapMemoryObject(obj, env.alloc); err != nil {
		t.Fatal(err)
	}

	specs := []struct {
		virt     mem.VirtualAddress
		expPhys  mem.PhysicalAddress
		expClass mem.SizeClass
	}{
		{0x40000000, 0x80000000, mem.Class2M},
		{0x401fffff, 0x801fffff, mem.Class2M},
		{0x40200123, 0x80200123, mem.Class4K},
	}

	for specIndex, spec := range specs {
		mapping, ok := as.Table().Lookup(spec.virt)
		if !ok {
			t.Errorf("[spec %d] expected 0x%x to be mapped", specIndex, spec.virt)
			continue
		}

		if mapping.Frame.Class() != spec.expClass {
			t.Errorf("[spec %d] expected a %s mapping; got %s", specIndex, spec.expClass, mapping.Frame.Class())
		}

		if phys, _ := as.Translate(spec.virt); phys != spec.expPhys {
			t.Errorf("[spec %d] expected 0x%x to map to 0x%x; got 0x%x", specIndex, spec.virt, spec.expPhys, phys)
		}
	}

	if err = as.UnmapMemoryObject(obj); err != nil {
		t.Fatal(err)
	}

	for specIndex, spec := range specs {
		if _, ok := as.Translate(spec.virt); ok {
			t.Errorf("[spec %d] expected 0x%x to be unmapped", specIndex, spec.virt)
		}
	}
}

func TestMapMemoryObjectRollback(t *testing.T) {
	env := newTestEnv(t)

	as, err := New(env.kernel, env.alloc)
	if err != nil {
		t.Fatal(err)
	}

	t.Run("kernel half", func(t *testing.T) {
		obj, _ := NewDeviceObject(testKernelVirt, 0x80000000, mem.PageSize, vmm.Flags{})
		if err := as.MapMemoryObject(obj, env.alloc); err != vmm.ErrKernelSpaceMapping {
			t.Fatalf("expected ErrKernelSpaceMapping; got %v", err)
		}

		if len(as.objects) != 0 {
			t.Fatal("expected failed object not to be tracked")
		}
	})

	t.Run("page already mapped", func(t *testing.T) {
		// Map a page behind the address space's back in the middle of
		// the object's range.
		foreign, _ := env.alloc.AllocFrame(mem.Class4K)
		foreignPage := vmm.PageContaining(testUserVirt.Offset(2*mem.PageSize), mem.Class4K)
		if err := as.Table().Map(foreignPage, foreign, vmm.DefaultFlags(), env.alloc); err != nil {
			t.Fatal(err)
		}

		obj, err := CreateMemoryObject(env.arena, testUserVirt, 4*mem.PageSize, true, false, env.alloc)
		if err != nil {
			t.Fatal(err)
		}

		if err = as.MapMemoryObject(obj, env.alloc); err != vmm.ErrAlreadyMapped {
			t.Fatalf("expected ErrAlreadyMapped; got %v", err)
		}

		for i := mem.Size(0); i < 2; i++ {
			if _, ok := as.Translate(testUserVirt.Offset(i * mem.PageSize)); ok {
				t.Errorf("expected page %d to be unmapped after rollback", i)
			}
		}

		if phys, ok := as.Translate(foreignPage.Address()); !ok || phys != foreign.Address() {
			t.Error("expected the pre-existing mapping to survive the rollback")
		}
	})
}

func TestSwitchToAndDestroy(t *testing.T) {
	env := newTestEnv(t)

	kernelPage := vmm.PageContaining(testKernelVirt, mem.Class4K)
	if err := env.kernel.Map(kernelPage, pmm.FrameContaining(testMemBase, mem.Class4K), vmm.DefaultFlags(), env.alloc); err != nil {
		t.Fatal(err)
	}
	before := env.reserved()

	as, err := New(env.kernel, env.alloc)
	if err != nil {
		t.Fatal(err)
	}

	obj, err := CreateMemoryObject(env.arena, testUserVirt, 3*mem.PageSize, true, false, env.alloc)
	if err != nil {
		t.Fatal(err)
	}

	if err = as.MapMemoryObject(obj, env.alloc); err != nil {
		t.Fatal(err)
	}

	as.SwitchTo()
	if exp, got := uintptr(as.Table().Root().Address()), cpu.ActivePDT(); got != exp {
		t.Fatalf("expected active PDT to be 0x%x; got 0x%x", exp, got)
	}

	// Kernel mappings remain reachable from the task address space.
	if phys, ok := as.Translate(testKernelVirt); !ok || phys != testMemBase {
		t.Errorf("expected kernel mapping to be visible in the task address space; got 0x%x, %t", phys, ok)
	}

	if err = as.Destroy(env.alloc); err != vmm.ErrDestroyActiveTable {
		t.Fatalf("expected ErrDestroyActiveTable; got %v", err)
	}

	env.kernel.SwitchTo()
	if err = as.Destroy(env.alloc); err != nil {
		t.Fatal(err)
	}

	if got := env.reserved(); got != before {
		t.Errorf("expected all frames of the destroyed address space to be released; reserved count is %d, want %d", got, before)
	}
}

func TestSharedMemoryObject(t *testing.T) {
	env := newTestEnv(t)

	var spaces [2]*AddressSpace
	for i := range spaces {
		as, err := New(env.kernel, env.alloc)
		if err != nil {
			t.Fatal(err)
		}
		spaces[i] = as
	}

	obj, err := CreateMemoryObject(env.arena, testUserVirt, 2*mem.PageSize, true, false, env.alloc)
	if err != nil {
		t.Fatal(err)
	}

	for i, as := range spaces {
		if err = as.MapMemoryObject(obj, env.alloc); err != nil {
			t.Fatalf("[space %d] %v", i, err)
		}
	}

	if exp, got := 2, obj.Mappings(); got != exp {
		t.Fatalf("expected object to be mapped %d times; got %d", exp, got)
	}

	if err = obj.Release(env.alloc); err != ErrObjectInUse {
		t.Fatalf("expected ErrObjectInUse when releasing a mapped object; got %v", err)
	}

	if err = spaces[0].Destroy(env.alloc); err != nil {
		t.Fatal(err)
	}

	if exp, got := 1, obj.Mappings(); got != exp {
		t.Fatalf("expected object to be mapped %d times; got %d", exp, got)
	}

	for i, frame := range obj.frames {
		if phys, ok := spaces[1].Translate(testUserVirt.Offset(mem.Size(i) * mem.PageSize)); !ok || phys != frame.Address() {
			t.Errorf("[page %d] expected page to remain mapped to 0x%x; got 0x%x, %t", i, frame.Address(), phys, ok)
		}
	}

	// None of the frames still mapped by the surviving address space may
	// be handed out again.
	var drained []pmm.Frame
	for {
		frame, err := env.alloc.AllocFrame(mem.Class4K)
		if err != nil {
			break
		}
		for _, objFrame := range obj.frames {
			if frame == objFrame {
				t.Fatalf("frame 0x%x is still mapped but was handed out by the allocator", frame.Address())
			}
		}
		drained = append(drained, frame)
	}
	for _, frame := range drained {
		_ = env.alloc.FreeFrame(frame)
	}

	objFrames := append([]pmm.Frame(nil), obj.frames...)
	if err = spaces[1].Destroy(env.alloc); err != nil {
		t.Fatal(err)
	}

	if obj.Mappings() != 0 {
		t.Errorf("expected object to be unmapped everywhere; got %d mappings", obj.Mappings())
	}

	for i, frame := range objFrames {
		if err = env.alloc.FreeFrame(frame); err == nil {
			t.Errorf("[frame %d] expected frame to have been released by the last Destroy", i)
		}
	}
}

func TestUnmapKeepsSharedFrames(t *testing.T) {
	env := newTestEnv(t)
	before := env.reserved()

	obj, err := CreateMemoryObject(env.arena, testUserVirt, mem.PageSize, true, false, env.alloc)
	if err != nil {
		t.Fatal(err)
	}

	as, err := New(env.kernel, env.alloc)
	if err != nil {
		t.Fatal(err)
	}

	if err = as.MapMemoryObject(obj, env.alloc); err != nil {
		t.Fatal(err)
	}

	if err = as.UnmapMemoryObject(obj); err != nil {
		t.Fatal(err)
	}

	if obj.Mappings() != 0 {
		t.Fatalf("expected no mappings after unmap; got %d", obj.Mappings())
	}

	// The owner decides when to release.
	if err = as.Destroy(env.alloc); err != nil {
		t.Fatal(err)
	}
	if err = obj.Release(env.alloc); err != nil {
		t.Fatal(err)
	}

	if got := env.reserved(); got != before {
		t.Errorf("expected all frames to be returned; reserved count is %d, want %d", got, before)
	}
}
