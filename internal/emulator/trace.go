package emulator

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// DisasmOne decodes a single x86-64 instruction starting at code in AT&T
// syntax, the same dialect HelixCore's assembler and C front end emit.
// Used by the `disasm` subcommand and by HookCodeDisasm
// (SPEC_FULL.md's supplemented x86-64 analogue of the teacher's ARM64
// disassembly in cmd/galago/main.go).
func DisasmOne(code []byte, pc uint64) (text string, length int) {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		if len(code) == 0 {
			return "???", 1
		}
		return fmt.Sprintf(".byte 0x%02x", code[0]), 1
	}
	return x86asm.GNUSyntax(inst, pc, nil), inst.Len
}

// HookCodeDisasm registers a trace callback that decodes and reports every
// stepped instruction via fn(addr, text). 15 bytes of code, the longest
// possible x86-64 encoding, are read from guest memory per step; the
// hook's size argument is not used.
func (e *Emulator) HookCodeDisasm(fn func(addr uint64, text string)) {
	e.HookCode(func(addr uint64, size uint32) {
		code, err := e.MemRead(addr, 15)
		if err != nil {
			fn(addr, "???")
			return
		}
		text, _ := DisasmOne(code, addr)
		fn(addr, text)
	})
}
