package emulator

import (
	"context"
	"fmt"
	"time"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	glog "github.com/helixcore/vm/internal/log"
	"github.com/helixcore/vm/internal/store"
)

// Linux errno values used by the syscall contract (spec.md §4.B). Returned
// to the guest as the 64-bit two's-complement of the positive value.
const (
	ENOENT = 2
	EIO    = 5
	EBADF  = 9
	EINVAL = 22
	ENOSYS = 38
)

// NegErrno returns the two's-complement %rax value Linux uses to report a
// negative errno from a syscall.
func NegErrno(errno int) uint64 {
	return uint64(int64(-errno))
}

const mapAnonymous = 0x20

// DefaultHeapBase is the reference heap_base from spec.md §3: a fixed
// address comfortably above any .text/.data/.bss a HelixCore program
// produces.
const DefaultHeapBase = 0x800000

const (
	fdStdin = iota
	fdStdout
	fdStderr
	fdRegular
)

type fdEntry struct {
	kind   int
	path   string
	offset int64
	data   []byte
}

// RunResult is the outcome of one guest execution (spec.md §4.B / §6).
type RunResult struct {
	ExitCode         int
	WallMS           int64
	InstructionCount uint64
	Registers        map[string]string
}

// Host wires an Emulator to the Linux syscall surface spec.md §4.B
// describes: a virtual FD table backed by the file store, a brk/mmap heap
// manager, and the two output sinks. It is reset fresh on every Run, per
// spec.md §5 ("the heap and FD table are local to the current run").
type Host struct {
	emu   *Emulator
	store *store.Store

	heapBase        uint64
	maxHeapBytes    uint64
	maxInstructions uint64
	onStdout        func([]byte)
	onStderr        func([]byte)

	fds          map[int]*fdEntry
	nextFD       int
	programBreak uint64
	heapMappedTo uint64
	exitCode     int
	exited       bool

	ctx context.Context
}

// NewHost creates a Host bound to emu and the given virtual file store.
// onStdout/onStderr are the caller-supplied sinks (spec.md §6); either may
// be nil to discard that stream.
func NewHost(emu *Emulator, st *store.Store, heapBase uint64, onStdout, onStderr func([]byte)) *Host {
	return &Host{emu: emu, store: st, heapBase: heapBase, maxHeapBytes: HeapMax, onStdout: onStdout, onStderr: onStderr}
}

// SetMaxHeapBytes overrides the distance a guest's program break may grow
// past heapBase (spec.md §3's 16MiB reference ceiling). Zero restores the
// HeapMax default; callers pass this through from a scenario config's
// heap ceiling override.
func (h *Host) SetMaxHeapBytes(n uint64) {
	if n == 0 {
		n = HeapMax
	}
	h.maxHeapBytes = n
}

// SetMaxInstructions bounds the number of instructions a single Run may
// execute before it is cancelled as if by a stop request (exit code 130).
// Zero disables the limit.
func (h *Host) SetMaxInstructions(n uint64) {
	h.maxInstructions = n
}

func (h *Host) reset() {
	h.fds = map[int]*fdEntry{
		0: {kind: fdStdin},
		1: {kind: fdStdout},
		2: {kind: fdStderr},
	}
	h.nextFD = 3
	h.programBreak = h.heapBase
	h.heapMappedTo = h.heapBase
	h.exitCode = 0
	h.exited = false
}

// Run boots the guest at entry, dispatching syscalls through the adapter
// until the guest exits, ctx is cancelled, or the instruction ceiling is
// hit (spec.md §5's cooperative-stepping model).
func (h *Host) Run(ctx context.Context, entry uint64) (*RunResult, error) {
	h.reset()
	h.ctx = ctx

	insnHook, err := h.emu.mu.HookAdd(uc.HOOK_INSN, func(mu uc.Unicorn) {
		h.handleSyscall()
	}, 1, 0, int(uc.X86_INS_SYSCALL))
	if err != nil {
		return nil, fmt.Errorf("install syscall hook: %w", err)
	}
	defer h.emu.mu.HookDel(insnHook)

	h.emu.HookCode(func(addr uint64, size uint32) {
		if h.exited {
			return
		}
		if h.ctx != nil && h.ctx.Err() != nil {
			h.stopWithCode(130)
			return
		}
		if h.maxInstructions > 0 && h.emu.InstructionCount() >= h.maxInstructions {
			h.stopWithCode(130)
		}
	})

	if err := h.initStack(); err != nil {
		return nil, fmt.Errorf("init stack: %w", err)
	}

	start := time.Now()
	runErr := h.emu.Start(entry)
	wall := time.Since(start)

	if !h.exited {
		pc, _ := h.emu.Reg("rip")
		msg := "emulation stopped without a guest exit"
		if runErr != nil {
			msg = runErr.Error()
		}
		return nil, &GuestFault{PC: pc, Message: msg}
	}

	return &RunResult{
		ExitCode:         h.exitCode,
		WallMS:           wall.Milliseconds(),
		InstructionCount: h.emu.InstructionCount(),
		Registers:        h.snapshotRegisters(),
	}, nil
}

func (h *Host) snapshotRegisters() map[string]string {
	names := []string{"rax", "rbx", "rcx", "rdx", "rsi", "rdi", "rsp", "rbp", "rip"}
	regs := make(map[string]string, len(names))
	for _, n := range names {
		v, _ := h.emu.Reg(n)
		regs[n] = fmt.Sprintf("0x%016x", v)
	}
	return regs
}

func (h *Host) stopWithCode(code int) {
	h.exitCode = code
	h.exited = true
	h.emu.RequestStop()
}

// initStack sets up the System V AMD64 stack with argv = ["/bin/program"]
// and a fixed short envp, per spec.md §4.B.
func (h *Host) initStack() error {
	const progPath = "/bin/program\x00"
	const envVar = "PATH=/usr/bin\x00"

	top := uint64(StackTop - pageSize)
	progAddr := top - uint64(len(progPath))
	if err := h.emu.MemWrite(progAddr, []byte(progPath)); err != nil {
		return err
	}
	envAddr := progAddr - uint64(len(envVar))
	if err := h.emu.MemWrite(envAddr, []byte(envVar)); err != nil {
		return err
	}

	// argc, argv[0], argv-NULL, envp[0], envp-NULL, auxv (AT_NULL pair).
	const words = 7
	base := (envAddr - uint64(words*8)) &^ 0xF

	vals := []uint64{1, progAddr, 0, envAddr, 0, 0, 0}
	for i, v := range vals {
		if err := h.emu.MemWriteU64(base+uint64(i*8), v); err != nil {
			return err
		}
	}
	return h.emu.SetReg("rsp", base)
}

func (h *Host) handleSyscall() {
	if h.ctx != nil && h.ctx.Err() != nil {
		h.stopWithCode(130)
		return
	}

	num, _ := h.emu.Reg("rax")
	rdi, _ := h.emu.Reg("rdi")
	rsi, _ := h.emu.Reg("rsi")
	rdx, _ := h.emu.Reg("rdx")
	r10, _ := h.emu.Reg("r10")
	r8, _ := h.emu.Reg("r8")
	pc, _ := h.emu.Reg("rip")

	name, result := h.dispatch(num, rdi, rsi, rdx, r10, r8)
	if glog.L != nil {
		glog.L.Syscall(pc, name, fmt.Sprintf("rax=%#x -> %#x", num, result))
	}
	if h.exited {
		return
	}
	h.commit(result)
}

func (h *Host) dispatch(num, rdi, rsi, rdx, r10, r8 uint64) (string, uint64) {
	switch num {
	case 0:
		return "read", h.doRead(rdi, rsi, rdx)
	case 1:
		return "write", h.doWrite(rdi, rsi, rdx)
	case 2:
		return "open", h.doOpen(rdi)
	case 3:
		return "close", h.doClose(rdi)
	case 4:
		return "stat", h.doStat(rdi, rsi)
	case 5:
		return "fstat", h.doFstat(rdi, rsi)
	case 9:
		return "mmap", h.doMmap(rdi, rsi, rdx, r10, r8)
	case 12:
		return "brk", h.doBrk(rdi)
	case 60:
		h.stopWithCode(int(rdi & 0xFF))
		return "exit", 0
	case 231:
		h.stopWithCode(int(rdi & 0xFF))
		return "exit_group", 0
	default:
		return "unknown", NegErrno(ENOSYS)
	}
}

func (h *Host) commit(result uint64) {
	_ = h.emu.SetReg("rax", result)
	rip, _ := h.emu.Reg("rip")
	_ = h.emu.SetReg("rip", rip+2) // skip the two-byte 0F 05 syscall opcode
}

func (h *Host) doRead(fd, buf, length uint64) uint64 {
	e, ok := h.fds[int(fd)]
	if !ok {
		return NegErrno(EBADF)
	}
	switch e.kind {
	case fdStdout, fdStderr:
		return NegErrno(EBADF)
	case fdStdin:
		return 0 // no guest-readable stdin source; behaves as EOF
	}

	if e.offset >= int64(len(e.data)) {
		return 0
	}
	remaining := int64(len(e.data)) - e.offset
	n := int64(length)
	if n > remaining {
		n = remaining
	}
	if err := h.emu.MemWrite(buf, e.data[e.offset:e.offset+n]); err != nil {
		return NegErrno(EIO)
	}
	e.offset += n
	return uint64(n)
}

func (h *Host) doWrite(fd, buf, length uint64) uint64 {
	e, ok := h.fds[int(fd)]
	if !ok {
		return NegErrno(EBADF)
	}

	data, err := h.emu.MemRead(buf, length)
	if err != nil {
		return NegErrno(EIO)
	}

	switch e.kind {
	case fdStdout:
		if h.onStdout != nil {
			h.onStdout(data)
		}
	case fdStderr:
		if h.onStderr != nil {
			h.onStderr(data)
		}
	case fdRegular:
		// Position-based overwrite: grow the backing slice if the write
		// extends past its current end, advance offset by bytes written
		// (spec.md §9(a)'s resolved open question).
		end := e.offset + int64(len(data))
		if end > int64(len(e.data)) {
			grown := make([]byte, end)
			copy(grown, e.data)
			e.data = grown
		}
		copy(e.data[e.offset:end], data)
		e.offset = end
		h.store.Write(e.path, e.data)
	default:
		return NegErrno(EBADF)
	}
	return length
}

func (h *Host) doOpen(pathAddr uint64) uint64 {
	path, err := h.emu.MemReadString(pathAddr, 4096)
	if err != nil {
		return NegErrno(EIO)
	}
	data, ok := h.store.Read(path)
	if !ok {
		return NegErrno(ENOENT)
	}
	fd := h.nextFD
	h.nextFD++
	h.fds[fd] = &fdEntry{kind: fdRegular, path: path, data: data}
	return uint64(fd)
}

func (h *Host) doClose(fd uint64) uint64 {
	if _, ok := h.fds[int(fd)]; !ok {
		return NegErrno(EBADF)
	}
	delete(h.fds, int(fd))
	return 0
}

func (h *Host) doStat(pathAddr, buf uint64) uint64 {
	path, err := h.emu.MemReadString(pathAddr, 4096)
	if err != nil {
		return NegErrno(EIO)
	}
	data, ok := h.store.Read(path)
	if !ok {
		return NegErrno(ENOENT)
	}
	if err := h.writeStat(buf, uint64(len(data))); err != nil {
		return NegErrno(EIO)
	}
	return 0
}

func (h *Host) doFstat(fd, buf uint64) uint64 {
	e, ok := h.fds[int(fd)]
	if !ok {
		return NegErrno(EBADF)
	}
	if err := h.writeStat(buf, uint64(len(e.data))); err != nil {
		return NegErrno(EIO)
	}
	return 0
}

// writeStat populates the two fields of struct stat the contract requires:
// st_mode at offset 16, st_size at offset 48 (spec.md §4.B).
func (h *Host) writeStat(buf, size uint64) error {
	if err := h.emu.MemWriteU32(buf+16, 0o100755); err != nil {
		return err
	}
	return h.emu.MemWriteU64(buf+48, size)
}

func (h *Host) doMmap(addr, length, prot, flags, fd uint64) uint64 {
	if flags&mapAnonymous == 0 {
		return NegErrno(EINVAL)
	}
	base, err := h.emu.MapAnon(length)
	if err != nil {
		return NegErrno(EINVAL)
	}
	_ = h.emu.Protect(base, alignUp(length, pageSize), int(prot))
	return base
}

func (h *Host) doBrk(addr uint64) uint64 {
	if addr == 0 {
		return h.programBreak
	}
	if addr < h.heapBase || addr >= h.heapBase+h.maxHeapBytes {
		return h.programBreak
	}

	target := h.heapBase + alignUp(addr-h.heapBase, pageSize)
	if target > h.heapMappedTo {
		if err := h.emu.MapRegion(h.heapMappedTo, target-h.heapMappedTo); err != nil {
			return h.programBreak
		}
		h.heapMappedTo = target
	}
	h.programBreak = addr
	return h.programBreak
}
