package emu

import (
	"encoding/binary"
	"fmt"
)

// FrontendMemory is the byte-addressable interface the core uses for both
// instruction and data memory.
type FrontendMemory interface {
	// Read returns size bytes starting at addr.
	Read(addr uint32, size int) ([]byte, error)
	// Write stores data starting at addr.
	Write(addr uint32, data []byte) error
}

// AccessChecker is implemented by memories that can validate an access
// without performing it. Caches use it to fault on accesses the backing
// memory would reject even when the line is already resident.
type AccessChecker interface {
	CheckAccess(addr uint32, size int, write bool) error
}

// AccessError describes a rejected memory access.
type AccessError struct {
	Addr       uint32
	Size       int
	Write      bool
	Misaligned bool
}

// Error implements error.
func (e *AccessError) Error() string {
	kind := "read"
	if e.Write {
		kind = "write"
	}
	reason := "out of range"
	if e.Misaligned {
		reason = "misaligned"
	}
	return fmt.Sprintf("%s of %d bytes at 0x%08x: %s", kind, e.Size, e.Addr, reason)
}

const (
	pageBits = 12
	pageSize = 1 << pageBits
	pageMask = pageSize - 1
)

// Memory is a sparse, little-endian, byte-addressable memory.
type Memory struct {
	pages map[uint32]*[pageSize]byte

	// size is the number of addressable bytes starting at 0; 0 means the
	// whole 32-bit address space.
	size uint64

	strictAlignment bool
}

// MemoryOption configures a Memory.
type MemoryOption func(*Memory)

// WithSize limits the addressable range to [0, size).
func WithSize(size uint64) MemoryOption {
	return func(m *Memory) {
		m.size = size
	}
}

// WithStrictAlignment makes multi-byte accesses fault unless naturally
// aligned.
func WithStrictAlignment(strict bool) MemoryOption {
	return func(m *Memory) {
		m.strictAlignment = strict
	}
}

// NewMemory creates an empty memory.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{pages: make(map[uint32]*[pageSize]byte)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CheckAccess validates an access against the size and alignment policy.
func (m *Memory) CheckAccess(addr uint32, size int, write bool) error {
	if size <= 0 {
		return nil
	}
	if m.strictAlignment && size > 1 && addr%uint32(size) != 0 {
		return &AccessError{Addr: addr, Size: size, Write: write, Misaligned: true}
	}
	return m.checkRange(addr, size, write)
}

func (m *Memory) checkRange(addr uint32, size int, write bool) error {
	end := uint64(addr) + uint64(size)
	limit := m.size
	if limit == 0 {
		limit = 1 << 32
	}
	if end > limit {
		return &AccessError{Addr: addr, Size: size, Write: write}
	}
	return nil
}

// Read returns size bytes starting at addr.
func (m *Memory) Read(addr uint32, size int) ([]byte, error) {
	if err := m.CheckAccess(addr, size, false); err != nil {
		return nil, err
	}
	data := make([]byte, size)
	for i := range data {
		data[i] = m.read8(addr + uint32(i))
	}
	return data, nil
}

// Write stores data starting at addr.
func (m *Memory) Write(addr uint32, data []byte) error {
	if err := m.CheckAccess(addr, len(data), true); err != nil {
		return err
	}
	for i, b := range data {
		m.write8(addr+uint32(i), b)
	}
	return nil
}

func (m *Memory) read8(addr uint32) byte {
	page, ok := m.pages[addr>>pageBits]
	if !ok {
		return 0
	}
	return page[addr&pageMask]
}

func (m *Memory) write8(addr uint32, v byte) {
	page, ok := m.pages[addr>>pageBits]
	if !ok {
		page = new([pageSize]byte)
		m.pages[addr>>pageBits] = page
	}
	page[addr&pageMask] = v
}

// Read32 reads a little-endian word, ignoring the access policy.
func (m *Memory) Read32(addr uint32) uint32 {
	var buf [4]byte
	for i := range buf {
		buf[i] = m.read8(addr + uint32(i))
	}
	return binary.LittleEndian.Uint32(buf[:])
}

// Write32 writes a little-endian word, ignoring the access policy.
func (m *Memory) Write32(addr uint32, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	for i, b := range buf {
		m.write8(addr+uint32(i), b)
	}
}

// LoadProgram writes consecutive instruction words starting at addr.
func (m *Memory) LoadProgram(addr uint32, words ...uint32) {
	for i, w := range words {
		m.Write32(addr+uint32(4*i), w)
	}
}

// LoadBytes copies data into memory, honoring the size limit but not the
// alignment policy.
func (m *Memory) LoadBytes(addr uint32, data []byte) error {
	if err := m.checkRange(addr, len(data), true); err != nil {
		return fmt.Errorf("failed to load %d bytes: %w", len(data), err)
	}
	for i, b := range data {
		m.write8(addr+uint32(i), b)
	}
	return nil
}

// Reset drops all memory contents.
func (m *Memory) Reset() {
	m.pages = make(map[uint32]*[pageSize]byte)
}

// ReadUint reads a little-endian value of 1, 2 or 4 bytes through a
// FrontendMemory.
func ReadUint(mem FrontendMemory, addr uint32, size int) (uint32, error) {
	data, err := mem.Read(addr, size)
	if err != nil {
		return 0, err
	}
	var v uint32
	for i, b := range data {
		v |= uint32(b) << (8 * i)
	}
	return v, nil
}

// WriteUint writes the low size bytes of v, little-endian, through a
// FrontendMemory.
func WriteUint(mem FrontendMemory, addr uint32, size int, v uint32) error {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(v >> (8 * i))
	}
	return mem.Write(addr, data)
}
