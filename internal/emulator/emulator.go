// Package emulator drives an x86-64 user-mode emulator (Unicorn Engine)
// loaded with a bootable ET_EXEC image, and implements the Linux
// system-call surface a HelixCore guest program needs (spec.md §4.B).
package emulator

import (
	"encoding/binary"
	"fmt"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// Memory layout. The loaded image occupies [p_vaddr, p_vaddr+p_memsz) as
// dictated by its own program header; everything else here is host-chosen.
const (
	pageSize = 0x1000

	StackTop  = 0x7ffffff00000
	StackSize = 1 << 20 // 1MiB

	// HeapMax bounds the distance between HeapBase and ProgramBreak
	// (spec.md §3's 16MiB ceiling).
	HeapMax = 16 << 20

	// MmapBase is the first address handed out for anonymous mmap
	// requests; each call bumps it forward by the page-aligned length.
	MmapBase = 0x7f0000000000
)

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// Emulator wraps a Unicorn x86-64 instance with the register and memory
// helpers the syscall dispatcher (host.go) and the ELF loader (elf.go)
// need. It owns no HelixCore-specific state; that lives in Host.
type Emulator struct {
	mu uc.Unicorn

	stopped    bool
	insnCount  uint64
	codeHooks  []func(addr uint64, size uint32)
	mmapNext   uint64
}

// New creates an x86-64 (long mode) Unicorn instance with an empty address
// space; callers map the guest image, stack, and heap separately.
func New() (*Emulator, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_X86, uc.MODE_64)
	if err != nil {
		return nil, fmt.Errorf("create unicorn: %w", err)
	}

	e := &Emulator{mu: mu, mmapNext: MmapBase}

	if err := mu.MemMap(StackTop-StackSize, StackSize); err != nil {
		mu.Close()
		return nil, fmt.Errorf("map stack: %w", err)
	}

	if _, err := mu.HookAdd(uc.HOOK_CODE, func(m uc.Unicorn, addr uint64, size uint32) {
		e.insnCount++
		for _, h := range e.codeHooks {
			h(addr, size)
		}
	}, 1, 0); err != nil {
		mu.Close()
		return nil, fmt.Errorf("install code hook: %w", err)
	}

	return e, nil
}

// Close releases the underlying Unicorn instance.
func (e *Emulator) Close() error {
	return e.mu.Close()
}

// HookCode registers a callback invoked before every instruction, used by
// Host.Run for its stop and instruction-ceiling checks and by
// HookCodeDisasm.
func (e *Emulator) HookCode(fn func(addr uint64, size uint32)) {
	e.codeHooks = append(e.codeHooks, fn)
}

// InstructionCount returns the number of instructions stepped so far in
// the current run (spec.md §4.B's instruction_count).
func (e *Emulator) InstructionCount() uint64 {
	return e.insnCount
}

// MapRegion maps a page-aligned region of guest memory; re-mapping an
// already-mapped region is a caller error and returned as such.
func (e *Emulator) MapRegion(addr, size uint64) error {
	return e.mu.MemMap(addr, size)
}

// MapAnon allocates `size` bytes of zeroed, page-aligned memory at the
// next available mmap address and returns its base (spec.md §4.B mmap).
func (e *Emulator) MapAnon(size uint64) (uint64, error) {
	aligned := alignUp(size, pageSize)
	addr := e.mmapNext
	if err := e.mu.MemMap(addr, aligned); err != nil {
		return 0, err
	}
	e.mmapNext += aligned
	return addr, nil
}

// Protect sets the page protection bits (UC_PROT_* bitmask) over a region.
func (e *Emulator) Protect(addr, size uint64, prot int) error {
	return e.mu.MemProtect(addr, size, prot)
}

func (e *Emulator) MemRead(addr, size uint64) ([]byte, error) {
	return e.mu.MemRead(addr, size)
}

func (e *Emulator) MemWrite(addr uint64, data []byte) error {
	return e.mu.MemWrite(addr, data)
}

// MemReadString reads a NUL-terminated byte string, capped at maxLen.
func (e *Emulator) MemReadString(addr uint64, maxLen int) (string, error) {
	if maxLen <= 0 {
		maxLen = 4096
	}
	data, err := e.mu.MemRead(addr, uint64(maxLen))
	if err != nil {
		return "", err
	}
	for i, b := range data {
		if b == 0 {
			return string(data[:i]), nil
		}
	}
	return string(data), nil
}

func (e *Emulator) MemWriteU64(addr, val uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], val)
	return e.mu.MemWrite(addr, buf[:])
}

func (e *Emulator) MemWriteU32(addr uint64, val uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], val)
	return e.mu.MemWrite(addr, buf[:])
}

// Reg reads one of the general-purpose registers by name (spec.md §4.B's
// register snapshot set, plus the argument registers the syscall ABI uses).
func (e *Emulator) Reg(name string) (uint64, error) {
	id, ok := regIDs[name]
	if !ok {
		return 0, fmt.Errorf("unknown register %q", name)
	}
	return e.mu.RegRead(id)
}

// SetReg writes a general-purpose register by name.
func (e *Emulator) SetReg(name string, val uint64) error {
	id, ok := regIDs[name]
	if !ok {
		return fmt.Errorf("unknown register %q", name)
	}
	return e.mu.RegWrite(id, val)
}

var regIDs = map[string]int{
	"rax": uc.X86_REG_RAX, "rbx": uc.X86_REG_RBX,
	"rcx": uc.X86_REG_RCX, "rdx": uc.X86_REG_RDX,
	"rsi": uc.X86_REG_RSI, "rdi": uc.X86_REG_RDI,
	"rsp": uc.X86_REG_RSP, "rbp": uc.X86_REG_RBP,
	"rip": uc.X86_REG_RIP, "r10": uc.X86_REG_R10,
	"r8": uc.X86_REG_R8, "r9": uc.X86_REG_R9,
}

// Start runs the emulator from addr until it is stopped, either by a guest
// exit syscall or by the host requesting cancellation.
func (e *Emulator) Start(addr uint64) error {
	e.stopped = false
	return e.mu.Start(addr, 0)
}

// RequestStop asks Unicorn to halt at the next instruction boundary.
func (e *Emulator) RequestStop() {
	e.stopped = true
	e.mu.Stop()
}
