package arena

import (
	"unsafe"

	"github.com/vincenzocapuano/vgc-malloc/internal/syncutil"
)

// checkByte is the fence value written at the head and tail of every arena
// and block header. A corrupted header almost always clobbers at least one
// of the two, which is what the integrity checker tests for.
const checkByte = 0xAA

// blockStatus marks whether a block header describes live or reclaimed
// payload.
type blockStatus uint32

const (
	statusFree blockStatus = iota
	statusBusy
)

// arenaHeader sits at offset 0 of every arena's mmap region. It is the Go
// analogue of the original's mmap-block header: the fields a process needs
// to walk and validate the block chain without any Go-managed pointers,
// since this memory is shared across process boundaries and outlives any
// single goroutine's view of it.
type arenaHeader struct {
	checkStart uint32
	size       int64 // total bytes of this mmap region, including this header
	maxSize    int64 // payload bytes of the initial single free block: size minus this header and one block header
	elements   int32 // live (busy) block count
	mutex      syncutil.RobustMutex
	checkEnd   uint32
}

const arenaHeaderSize = int64(unsafe.Sizeof(arenaHeader{}))

// blockHeader precedes every block's payload inside an arena's mapping.
// prevOff/nextOff are byte offsets from the start of the arena mapping
// rather than pointers: the same bytes may be observed from more than one
// process's address space, where a Go pointer or unsafe.Pointer captured by
// one process is meaningless to another.
type blockHeader struct {
	checkStart uint32
	size       int64 // payload bytes available to the caller
	status     blockStatus
	prevOff    int64 // -1 if this is the first block in the arena
	nextOff    int64 // -1 if this is the last block in the arena
	guardShift int32 // bytes the returned pointer was advanced past this block's true payload start, when guard pages pushed it to end on a page boundary
	checkEnd   uint32
}

const blockHeaderSize = int64(unsafe.Sizeof(blockHeader{}))

const noOffset = -1

func arenaHdr(mem []byte) *arenaHeader {
	return (*arenaHeader)(unsafe.Pointer(&mem[0]))
}

func blockHdr(mem []byte, off int64) *blockHeader {
	return (*blockHeader)(unsafe.Pointer(&mem[off]))
}

func blockPayload(mem []byte, off int64) unsafe.Pointer {
	return unsafe.Pointer(&mem[off+blockHeaderSize])
}

func stampArena(h *arenaHeader) {
	h.checkStart, h.checkEnd = checkByte, checkByte
}

func stampBlock(h *blockHeader) {
	h.checkStart, h.checkEnd = checkByte, checkByte
}

func arenaChecksumOK(h *arenaHeader) bool {
	return h.checkStart == checkByte && h.checkEnd == checkByte
}

func blockChecksumOK(h *blockHeader) bool {
	return h.checkStart == checkByte && h.checkEnd == checkByte
}
