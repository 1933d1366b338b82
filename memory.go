// Copyright 2026 The Memory-Allocator Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package memory implements a C-style memory allocator on top of the two
// memory sources a UNIX kernel offers a process: the program break, grown
// in place for small blocks, and per-block anonymous mappings for large
// ones.
//
// Every block carries an intrusive header. All blocks ever obtained are
// linked, in acquisition order, into a single registry that drives the
// best-fit search, block splitting and the coalescing of adjacent free
// heap blocks. The break is never lowered; freed heap storage is recycled
// through the registry, mapped blocks are returned to the kernel on Free.
package memory

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/cznic/mathutil"
)

const (
	blockAlign = 8 // Alignment of headers, payloads and payload sizes.

	// Rounded totals below largeAllocLimit are carved from the program
	// break, all others get their own anonymous mapping. The first break
	// extension preallocates a full chunk of this size.
	largeAllocLimit = 128 << 10
	preallocSize    = largeAllocLimit
)

var (
	metaSize   = roundup(unsafe.Sizeof(block{}), blockAlign)
	minSplit   = roundup(1+metaSize, blockAlign) // smallest residual worth a split
	osPageSize = uintptr(os.Getpagesize())
)

// if n%m != 0 { n += m-n%m }. m must be a power of 2.
func roundup(n, m uintptr) uintptr { return (n + m - 1) &^ (m - 1) }

type status int32

const (
	statAlloc  status = iota // heap block in use
	statFree                 // heap block reusable
	statMapped               // standalone mapped region in use
)

// block is the header stored at the start of every backing region. size
// counts payload bytes only and is always a multiple of blockAlign; the
// payload begins metaSize bytes after the header.
type block struct {
	size uintptr
	stat status
	next *block
}

func payload(b *block) unsafe.Pointer { return unsafe.Add(unsafe.Pointer(b), metaSize) }

func header(p unsafe.Pointer) *block { return (*block)(unsafe.Add(p, -int(metaSize))) }

// Allocator allocates and frees memory. Its zero value is ready for use.
//
// An Allocator must not be used concurrently from multiple goroutines.
type Allocator struct {
	first    *block  // oldest block, entry point of the registry
	last     *block  // newest block, the acquisition-order tail
	prealloc bool    // the one-shot break preallocation happened
	brk      uintptr // cached program break

	allocs int // # of live allocations
	brks   int // # of break extensions
	mmaps  int // # of live mappings
	bytes  int // asked from OS
}

// Malloc allocates size bytes and returns a blockAlign-aligned pointer to
// uninitialized memory, or nil for zero size. Malloc panics for size < 0.
// A kernel-backing failure aborts the process.
func (a *Allocator) Malloc(size int) (r unsafe.Pointer) {
	if trace {
		defer func() {
			fmt.Fprintf(os.Stderr, "Malloc(%#x) %p\n", size, r)
		}()
	}
	return a.alloc(size, largeAllocLimit)
}

// Calloc allocates n*size bytes of zeroed memory. It returns nil when n or
// size is zero and when n*size overflows. Requests of a page or more go
// through a mapping, which the kernel hands out zero-filled already.
func (a *Allocator) Calloc(n, size int) (r unsafe.Pointer) {
	if trace {
		defer func() {
			fmt.Fprintf(os.Stderr, "Calloc(%#x, %#x) %p\n", n, size, r)
		}()
	}
	if n < 0 || size < 0 {
		panic("invalid calloc size")
	}
	if n == 0 || size == 0 {
		return nil
	}

	total := n * size
	if total/size != n {
		return nil
	}

	r = a.alloc(total, osPageSize)
	b := unsafe.Slice((*byte)(r), total)
	for i := range b {
		b[i] = 0
	}
	return r
}

// Free deallocates the block at p, which must have been returned by
// Malloc, Calloc or Realloc and not freed since. Free(nil) is a no-op. A
// freed heap block stays in the registry for reuse; a mapped block is
// unlinked and returned to the kernel.
func (a *Allocator) Free(p unsafe.Pointer) {
	if trace {
		fmt.Fprintf(os.Stderr, "Free(%p)\n", p)
	}
	if p == nil {
		return
	}

	b := header(p)
	a.allocs--
	if b.stat == statMapped {
		a.unlink(b)
		a.unmapBlock(b)
		// Unlinking can leave two free heap blocks next to each other.
		a.coalesce()
		return
	}

	b.stat = statFree
	a.coalesce()
}

// Realloc resizes the block at p to size bytes, in place when it can:
// shrinking splits off the surplus, a block at the registry tail grows by
// extending the break, and a free successor is absorbed when it covers
// the deficit. Otherwise the contents move to a fresh block and p is
// freed. Realloc(nil, size) is Malloc(size), Realloc(p, 0) is Free(p),
// and Realloc of a freed block returns nil.
func (a *Allocator) Realloc(p unsafe.Pointer, size int) (r unsafe.Pointer) {
	if trace {
		defer func() {
			fmt.Fprintf(os.Stderr, "Realloc(%p, %#x) %p\n", p, size, r)
		}()
	}
	switch {
	case p == nil:
		return a.alloc(size, largeAllocLimit)
	case size == 0:
		a.Free(p)
		return nil
	case size < 0:
		panic("invalid realloc size")
	}

	b := header(p)
	if b.stat == statFree {
		return nil
	}

	need := roundup(uintptr(size), blockAlign)
	if b.stat == statMapped {
		if need+metaSize < largeAllocLimit { // shrinks into heap storage
			return a.move(p, b, size)
		}
		if need <= b.size {
			// Never split: the header must keep describing the whole
			// mapped span for the eventual unmap.
			return p
		}
		return a.move(p, b, size)
	}

	if need+metaSize >= largeAllocLimit { // migrates into a mapping
		return a.move(p, b, size)
	}
	if need <= b.size {
		if b.size-need >= minSplit {
			a.split(b, need)
			a.coalesce()
		}
		return p
	}
	if b == a.last {
		a.grow(need - b.size)
		b.size = need
		return p
	}
	if n := b.next; n != nil && n.stat == statFree && b.size+metaSize+n.size >= need {
		b.size += metaSize + n.size
		b.next = n.next
		if a.last == n {
			a.last = b
		}
		if b.size-need >= minSplit {
			a.split(b, need)
		}
		return p
	}
	return a.move(p, b, size)
}

// UsableSize reports the rounded payload size recorded for the block at p,
// which can exceed the size originally requested.
func UsableSize(p unsafe.Pointer) int {
	if p == nil {
		return 0
	}

	return int(header(p).size)
}

// Close releases every still-live mapping and resets a to its zero value.
// Heap storage cannot be returned, the break is never lowered.
//
// It's not necessary to Close the Allocator when exiting a process.
func (a *Allocator) Close() (err error) {
	for b := a.first; b != nil; {
		n := b.next
		if b.stat == statMapped {
			if e := unmap(unsafe.Pointer(b), int(b.size+metaSize)); e != nil && err == nil {
				err = e
			}
		}
		b = n
	}
	*a = Allocator{}
	return err
}

// alloc routes a request: rounded totals below limit come from the heap,
// the rest from a fresh mapping.
func (a *Allocator) alloc(size int, limit uintptr) unsafe.Pointer {
	if size < 0 {
		panic("invalid malloc size")
	}
	if size == 0 {
		return nil
	}

	need := roundup(uintptr(size), blockAlign)
	if a.first == nil {
		return payload(a.newBlock(nil, need, limit))
	}
	if need+metaSize >= limit {
		return payload(a.newBlock(a.last, need, limit))
	}

	a.coalesce()
	if b := a.seekFree(need); b != nil {
		if b.size-need >= minSplit {
			a.split(b, need)
		}
		b.stat = statAlloc
		a.allocs++
		return payload(b)
	}

	// No fit, but a free block at the registry tail borders the break:
	// extend the break by the deficit and take the block over. A mapped
	// tail never qualifies, it lives outside the heap.
	if t := a.last; t != nil && t.stat == statFree {
		a.grow(need - t.size)
		t.size = need
		t.stat = statAlloc
		a.allocs++
		return payload(t)
	}

	return payload(a.newBlock(a.last, need, limit))
}

// newBlock obtains a backing region for need payload bytes and appends it
// to the registry after prev. The first heap block ever triggers the
// preallocation: the break grows by a full preallocSize chunk and the
// surplus is split off as a free remainder.
func (a *Allocator) newBlock(prev *block, need, limit uintptr) *block {
	total := need + metaSize
	var b *block
	if total < limit {
		fresh := !a.prealloc
		span := total
		if fresh {
			span = preallocSize
		}
		b = (*block)(a.grow(span))
		b.size = need
		b.stat = statAlloc
		b.next = nil
		a.link(prev, b)
		if fresh {
			a.prealloc = true
			b.size = preallocSize - metaSize
			if b.size-need >= minSplit {
				a.split(b, need)
			}
		}
	} else {
		p, err := mmap(int(total))
		if err != nil {
			fatalf("memory: mmap(%#x): %v", total, err)
		}
		b = (*block)(p)
		b.size = need
		b.stat = statMapped
		b.next = nil
		a.link(prev, b)
		a.mmaps++
		a.bytes += int(total)
	}
	a.allocs++
	return b
}

// seekFree returns the best-fitting free block for need payload bytes, or
// nil. Ties go to the block encountered first.
func (a *Allocator) seekFree(need uintptr) *block {
	var best *block
	bestSize := uintptr(mathutil.MaxUint)
	for b := a.first; b != nil; b = b.next {
		if b.stat == statFree && b.size >= need && b.size < bestSize {
			best, bestSize = b, b.size
		}
	}
	return best
}

// split carves the suffix of b beyond need bytes into a new free block
// inserted right after b. The caller checked the residual holds a header
// plus at least one aligned byte.
func (a *Allocator) split(b *block, need uintptr) {
	r := (*block)(unsafe.Add(unsafe.Pointer(b), metaSize+need))
	r.size = b.size - need - metaSize
	r.stat = statFree
	r.next = b.next
	b.next = r
	b.size = need
	if a.last == b {
		a.last = r
	}
}

// coalesce sweeps the registry and absorbs every free block into a free
// predecessor. Consecutive free blocks are heap blocks made adjacent by
// splitting, so no address check is needed. The left seat is re-examined
// after a merge, a newly exposed successor may be free as well.
func (a *Allocator) coalesce() {
	for b := a.first; b != nil; {
		n := b.next
		if b.stat == statFree && n != nil && n.stat == statFree {
			b.size += metaSize + n.size
			b.next = n.next
			if a.last == n {
				a.last = b
			}
			continue
		}
		b = n
	}
}

// move is the reallocation fallback: allocate, copy, free.
func (a *Allocator) move(p unsafe.Pointer, b *block, size int) unsafe.Pointer {
	q := a.alloc(size, largeAllocLimit)
	n := b.size
	if m := roundup(uintptr(size), blockAlign); m < n {
		n = m
	}
	copy(unsafe.Slice((*byte)(q), n), unsafe.Slice((*byte)(p), n))
	a.Free(p)
	return q
}

func (a *Allocator) link(prev, b *block) {
	if prev == nil {
		a.first = b
	} else {
		prev.next = b
	}
	a.last = b
}

func (a *Allocator) unlink(b *block) {
	var prev *block
	for x := a.first; x != nil && x != b; x = x.next {
		prev = x
	}
	if prev == nil {
		a.first = b.next
	} else {
		prev.next = b.next
	}
	if a.last == b {
		a.last = prev
	}
}

// grow extends the program break by delta bytes and returns the old break,
// the start of the fresh region. The break only ever moves up.
func (a *Allocator) grow(delta uintptr) unsafe.Pointer {
	if a.brk == 0 {
		a.brk = roundup(brkSyscall(0), blockAlign)
	}
	old := a.brk
	if brkSyscall(old+delta) < old+delta {
		fatalf("memory: brk(%#x) failed", old+delta)
	}
	a.brk = old + delta
	a.brks++
	a.bytes += int(delta)
	return unsafe.Pointer(old)
}

func (a *Allocator) unmapBlock(b *block) {
	length := int(b.size + metaSize)
	if err := unmap(unsafe.Pointer(b), length); err != nil {
		fatalf("memory: munmap(%p, %#x): %v", unsafe.Pointer(b), length, err)
	}
	a.mmaps--
	a.bytes -= length
}

// fatalf reports an unrecoverable kernel-backing failure and aborts. The
// address space is in an unknown state at that point, there is nothing to
// return to the caller.
func fatalf(format string, arg ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", arg...)
	os.Exit(1)
}
