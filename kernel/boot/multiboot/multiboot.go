// Package multiboot extracts the physical memory map from the multiboot2
// information structure passed to the kernel by the boot loader.
package multiboot

import (
	"unsafe"

	"github.com/primeseven1/crescent/kernel/boot"
)

type tagType uint32

const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
)

// info describes the multiboot info section header.
type info struct {
	// Total size of multiboot info section.
	totalSize uint32

	// Always set to zero; reserved for future use
	reserved uint32
}

// tagHeader describes the header the preceedes each tag.
type tagHeader struct {
	// The type of the tag
	tagType tagType

	// The size of the tag including the header but *not* including any
	// padding. Multiboot2 starts each tag at an 8-byte aligned
	// address.
	size uint32
}

// mmapHeader describes the header for a memory map specification.
type mmapHeader struct {
	// The size of each entry.
	entrySize uint32

	// The version of the entries that follow.
	entryVersion uint32
}

// memoryMapEntry describes a memory region entry, namely its physical
// address, its length and its type.
type memoryMapEntry struct {
	physAddress uint64
	length      uint64
	entryType   uint32
	reserved    uint32
}

// Reader walks the tags of a multiboot2 information structure.
type Reader struct {
	infoData uintptr
}

// NewReader returns a Reader for the information structure at infoPtr.
func NewReader(infoPtr uintptr) Reader {
	return Reader{infoData: infoPtr}
}

// MemoryMap returns the memory regions reported by the boot loader. Region
// types that the multiboot2 protocol does not define are reported as
// reserved.
func (r Reader) MemoryMap() boot.MemoryMap {
	curPtr, size := r.findTagByType(tagMemoryMap)
	if size == 0 {
		return nil
	}

	ptrMapHeader := (*mmapHeader)(unsafe.Pointer(curPtr))
	if ptrMapHeader.entrySize == 0 {
		return nil
	}

	endPtr := curPtr + uintptr(size)
	curPtr += unsafe.Sizeof(mmapHeader{})

	mmap := make(boot.MemoryMap, 0, (endPtr-curPtr)/uintptr(ptrMapHeader.entrySize))
	for ; curPtr < endPtr; curPtr += uintptr(ptrMapHeader.entrySize) {
		entry := (*memoryMapEntry)(unsafe.Pointer(curPtr))
		mmap = append(mmap, boot.MemRegion{
			Base:   entry.physAddress,
			Length: entry.length,
			Type:   convertType(entry.entryType),
		})
	}

	return mmap
}

// convertType maps multiboot2 region types to boot.MemType values.
func convertType(t uint32) boot.MemType {
	switch t {
	case 1:
		return boot.MemUsable
	case 3:
		return boot.MemACPIReclaimable
	case 4:
		return boot.MemNVS
	case 5:
		return boot.MemBad
	default:
		return boot.MemReserved
	}
}

// findTagByType scans the multiboot info data looking for the start of of the
// specified type. It returns a pointer to the tag contents start offset and
// the content length exluding the tag header.
//
// If the tag is not present in the multiboot info, findTagSection will return
// back (0,0).
func (r Reader) findTagByType(tagType tagType) (uintptr, uint32) {
	if r.infoData == 0 {
		return 0, 0
	}

	var (
		hdr     = (*info)(unsafe.Pointer(r.infoData))
		endPtr  = r.infoData + uintptr(hdr.totalSize)
		ptrTag  *tagHeader
		curPtr  = r.infoData + unsafe.Sizeof(info{})
		hdrSize = uint32(unsafe.Sizeof(tagHeader{}))
	)

	for ; curPtr < endPtr; curPtr += uintptr((ptrTag.size + 7) &^ 7) {
		ptrTag = (*tagHeader)(unsafe.Pointer(curPtr))
		if ptrTag.tagType == tagMbSectionEnd || ptrTag.size < hdrSize {
			break
		}

		if ptrTag.tagType == tagType {
			return curPtr + uintptr(hdrSize), ptrTag.size - hdrSize
		}
	}

	return 0, 0
}
