package allocator

import (
	"math"

	"pebble/kernel"
	"pebble/kernel/kfmt"
	"pebble/kernel/mem"
	"pebble/kernel/mem/physmem"
	"pebble/kernel/mem/pmm"
	"pebble/kernel/sync"
	"pebble/multiboot"
)

const (
	// framesPerBitmapPage is the number of frames tracked by a single
	// page of bitmap data.
	framesPerBitmapPage = uint64(mem.PageSize) * 8

	// wordsPerBitmapPage is the number of 64-bit words in a bitmap page.
	wordsPerBitmapPage = uint64(mem.PageSize) >> 3
)

var (
	errBitmapAllocOutOfMemory     = &kernel.Error{Module: "bitmap_alloc", Message: "out of memory"}
	errBitmapAllocFrameNotManaged = &kernel.Error{Module: "bitmap_alloc", Message: "frame is not managed by any pool"}
	errBitmapAllocDoubleFree      = &kernel.Error{Module: "bitmap_alloc", Message: "frame is not allocated"}
)

type markAs bool

const (
	markReserved markAs = true
	markFree     markAs = false
)

type framePool struct {
	// startFrame is the address of the first frame in this pool. Each
	// bitmap bit i corresponds to frame (startFrame + i*PageSize).
	startFrame mem.PhysicalAddress

	// frameCount is the number of 4K frames in the pool.
	frameCount uint64

	// freeCount tracks the available frames in this pool. The allocator
	// can use this field to skip fully allocated pools without the need
	// to scan the free bitmap.
	freeCount uint64

	// freeBitmap tracks used/free frames in the pool. A set bit marks a
	// reserved frame. The bitmap is split into page-sized chunks that
	// live in physical frames obtained from the boot allocator.
	freeBitmap [][]uint64
}

func (pool *framePool) endAddr() mem.PhysicalAddress {
	return pool.startFrame.Offset(mem.Size(pool.frameCount << mem.PageShift))
}

// bitLocation returns the chunk, word and mask tracking the relative frame
// index. Within a word, frames are tracked starting from the MSB.
func (pool *framePool) bitLocation(relFrame uint64) (chunk, word uint64, mask uint64) {
	return relFrame / framesPerBitmapPage,
		(relFrame % framesPerBitmapPage) >> 6,
		uint64(1) << (63 - (relFrame & 63))
}

func (pool *framePool) isReserved(relFrame uint64) bool {
	chunk, word, mask := pool.bitLocation(relFrame)
	return pool.freeBitmap[chunk][word]&mask != 0
}

func (pool *framePool) mark(relFrame uint64, flag markAs) {
	chunk, word, mask := pool.bitLocation(relFrame)
	switch flag {
	case markReserved:
		pool.freeBitmap[chunk][word] |= mask
	case markFree:
		pool.freeBitmap[chunk][word] &^= mask
	}
}

// runIsFree returns true if count frames starting at relFrame are all free.
func (pool *framePool) runIsFree(relFrame, count uint64) bool {
	for i := uint64(0); i < count; i++ {
		if pool.isReserved(relFrame + i) {
			return false
		}
	}
	return true
}

// BitmapAllocator implements a physical frame allocator that tracks frame
// reservations across the available memory pools using bitmaps. It can
// allocate frames of every size class; larger classes are served by aligned
// runs of free 4K frames.
type BitmapAllocator struct {
	mutex sync.Spinlock

	// totalPages tracks the total number of pages across all pools.
	totalPages uint64

	// reservedPages tracks the number of reserved pages across all pools.
	reservedPages uint64

	pools []framePool
}

// NewBitmapAllocator builds a bitmap allocator for the available memory in
// info. The bitmaps are stored in frames obtained from early and accessed
// through memory. Frames inside the reserved ranges and every frame that
// early has handed out (including the bitmap frames themselves) are marked
// as reserved.
func NewBitmapAllocator(info *multiboot.Info, memory physmem.Memory, early *BootMemAllocator, reserved []PhysRange) (*BitmapAllocator, *kernel.Error) {
	alloc := &BitmapAllocator{}
	if err := alloc.setupPoolBitmaps(info, memory, early); err != nil {
		return nil, err
	}

	alloc.reserveRanges(reserved)
	alloc.reserveEarlyAllocatorFrames(info, early)
	alloc.printStats()
	return alloc, nil
}

// setupPoolBitmaps creates a pool for each available memory region and
// allocates its bitmap chunks using the early allocator.
func (alloc *BitmapAllocator) setupPoolBitmaps(info *multiboot.Info, memory physmem.Memory, early *BootMemAllocator) *kernel.Error {
	for _, region := range AvailableRegions(info) {
		pool := framePool{
			startFrame: region.Start,
			frameCount: uint64(region.Size() >> mem.PageShift),
		}
		pool.freeCount = pool.frameCount
		alloc.totalPages += pool.frameCount

		chunkCount := (pool.frameCount + framesPerBitmapPage - 1) / framesPerBitmapPage
		pool.freeBitmap = make([][]uint64, chunkCount)
		for i := range pool.freeBitmap {
			frame, err := early.AllocFrame(mem.Class4K)
			if err != nil {
				return err
			}

			physmem.Zero(memory, frame.Address(), mem.PageSize)
			pool.freeBitmap[i] = physmem.Uint64s(memory, frame.Address(), mem.PageSize)
		}

		// Bits past the end of the pool are never handed out.
		for relFrame := pool.frameCount; relFrame < chunkCount*framesPerBitmapPage; relFrame++ {
			pool.mark(relFrame, markReserved)
		}

		alloc.pools = append(alloc.pools, pool)
	}

	return nil
}

// markRange updates the reservation state of every pool frame inside r.
func (alloc *BitmapAllocator) markRange(r PhysRange, flag markAs) {
	for poolIndex := range alloc.pools {
		pool := &alloc.pools[poolIndex]
		start, end := r.Start, r.End
		if start < pool.startFrame {
			start = pool.startFrame
		}
		if end > pool.endAddr() {
			end = pool.endAddr()
		}

		for addr := start.AlignDown(mem.PageSize); addr < end; addr = addr.Offset(mem.PageSize) {
			relFrame := uint64(addr-pool.startFrame) >> mem.PageShift
			if pool.isReserved(relFrame) == bool(flag) {
				continue
			}

			pool.mark(relFrame, flag)
			if flag == markReserved {
				pool.freeCount--
				alloc.reservedPages++
			} else {
				pool.freeCount++
				alloc.reservedPages--
			}
		}
	}
}

// reserveRanges flags every frame inside the supplied ranges as reserved.
func (alloc *BitmapAllocator) reserveRanges(ranges []PhysRange) {
	for _, r := range ranges {
		alloc.markRange(r, markReserved)
	}
}

// reserveEarlyAllocatorFrames replays the allocations made by early using a
// fresh boot allocator instance and flags each returned frame as reserved.
func (alloc *BitmapAllocator) reserveEarlyAllocatorFrames(info *multiboot.Info, early *BootMemAllocator) {
	replay := NewBootMemAllocator(info, early.reserved)
	for i := uint64(0); i < early.AllocCount(); i++ {
		frame, err := replay.AllocFrame(mem.Class4K)
		if err != nil {
			break
		}
		alloc.markRange(PhysRange{Start: frame.Address(), End: frame.Address().Offset(mem.PageSize)}, markReserved)
	}
}

// AllocFrame reserves and returns a free frame of the requested size class.
// Frames larger than 4K are served from naturally aligned runs of free
// frames inside a single pool.
func (alloc *BitmapAllocator) AllocFrame(class mem.SizeClass) (pmm.Frame, *kernel.Error) {
	if !class.Valid() {
		return pmm.InvalidFrame, pmm.ErrInvalidSizeClass
	}

	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	count := class.FrameCount()
	for poolIndex := range alloc.pools {
		pool := &alloc.pools[poolIndex]
		if pool.freeCount < count {
			continue
		}

		relFrame, found := alloc.findRun(pool, class)
		if !found {
			continue
		}

		for i := uint64(0); i < count; i++ {
			pool.mark(relFrame+i, markReserved)
		}
		pool.freeCount -= count
		alloc.reservedPages += count

		return pmm.FrameContaining(pool.startFrame.Offset(mem.Size(relFrame<<mem.PageShift)), class), nil
	}

	return pmm.InvalidFrame, errBitmapAllocOutOfMemory
}

// findRun locates a free, class-aligned run of frames inside pool and returns
// its index relative to the pool start.
func (alloc *BitmapAllocator) findRun(pool *framePool, class mem.SizeClass) (uint64, bool) {
	if class == mem.Class4K {
		for chunkIndex, chunk := range pool.freeBitmap {
			for wordIndex, word := range chunk {
				if word == math.MaxUint64 {
					continue
				}

				for bit := uint64(0); bit < 64; bit++ {
					if word&(uint64(1)<<(63-bit)) == 0 {
						return uint64(chunkIndex)*framesPerBitmapPage + uint64(wordIndex)*64 + bit, true
					}
				}
			}
		}
		return 0, false
	}

	count := class.FrameCount()
	for addr := pool.startFrame.AlignUp(class.Size()); uint64(addr)+uint64(class.Size()) <= uint64(pool.endAddr()); addr = addr.Offset(class.Size()) {
		relFrame := uint64(addr-pool.startFrame) >> mem.PageShift
		if pool.runIsFree(relFrame, count) {
			return relFrame, true
		}
	}

	return 0, false
}

// FreeFrame releases a frame previously returned by AllocFrame. Freeing a
// frame that is not currently reserved fails without modifying any state.
func (alloc *BitmapAllocator) FreeFrame(frame pmm.Frame) *kernel.Error {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	for poolIndex := range alloc.pools {
		pool := &alloc.pools[poolIndex]
		if frame.Address() < pool.startFrame || uint64(frame.Address())+uint64(frame.Size()) > uint64(pool.endAddr()) {
			continue
		}

		relFrame := uint64(frame.Address()-pool.startFrame) >> mem.PageShift
		count := frame.Class().FrameCount()
		for i := uint64(0); i < count; i++ {
			if !pool.isReserved(relFrame + i) {
				return errBitmapAllocDoubleFree
			}
		}

		for i := uint64(0); i < count; i++ {
			pool.mark(relFrame+i, markFree)
		}
		pool.freeCount += count
		alloc.reservedPages -= count
		return nil
	}

	return errBitmapAllocFrameNotManaged
}

// Stats returns the total number of managed 4K frames and how many of them
// are currently reserved.
func (alloc *BitmapAllocator) Stats() (total, reserved uint64) {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()
	return alloc.totalPages, alloc.reservedPages
}

// printStats outputs the free/used page stats for the allocator.
func (alloc *BitmapAllocator) printStats() {
	kfmt.Printf(
		"[bitmap_alloc] page stats: free: %d/%d (%d reserved)\n",
		alloc.totalPages-alloc.reservedPages,
		alloc.totalPages,
		alloc.reservedPages,
	)
}
