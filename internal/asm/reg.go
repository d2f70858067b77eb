package asm

// regInfo describes one x86-64 register operand: its 3-bit ModRM/REX
// encoding and whether addressing it requires REX.B/REX.X/REX.R extension.
type regInfo struct {
	name string
	enc  uint8 // 3-bit register number (0-7), REX extension bit folded in via ext
	ext  bool  // true if this register needs REX.B/R/X (r8-r15)
	size int   // operand width in bytes: 1, 2, 4, or 8
}

// registers maps AT&T register names (without the leading "%") to their
// encoding. Only the general-purpose registers the C front end and the
// hand-written scenarios in spec.md §8 require are listed.
var registers = map[string]regInfo{
	// 64-bit
	"rax": {"rax", 0, false, 8}, "rcx": {"rcx", 1, false, 8},
	"rdx": {"rdx", 2, false, 8}, "rbx": {"rbx", 3, false, 8},
	"rsp": {"rsp", 4, false, 8}, "rbp": {"rbp", 5, false, 8},
	"rsi": {"rsi", 6, false, 8}, "rdi": {"rdi", 7, false, 8},
	"r8": {"r8", 0, true, 8}, "r9": {"r9", 1, true, 8},
	"r10": {"r10", 2, true, 8}, "r11": {"r11", 3, true, 8},
	"r12": {"r12", 4, true, 8}, "r13": {"r13", 5, true, 8},
	"r14": {"r14", 6, true, 8}, "r15": {"r15", 7, true, 8},

	// 32-bit
	"eax": {"eax", 0, false, 4}, "ecx": {"ecx", 1, false, 4},
	"edx": {"edx", 2, false, 4}, "ebx": {"ebx", 3, false, 4},
	"esp": {"esp", 4, false, 4}, "ebp": {"ebp", 5, false, 4},
	"esi": {"esi", 6, false, 4}, "edi": {"edi", 7, false, 4},

	// 8-bit low byte (used by setcc and movzbq)
	"al": {"al", 0, false, 1}, "cl": {"cl", 1, false, 1},
	"dl": {"dl", 2, false, 1}, "bl": {"bl", 3, false, 1},
	"spl": {"spl", 4, false, 1}, "bpl": {"bpl", 5, false, 1},
	"sil": {"sil", 6, false, 1}, "dil": {"dil", 7, false, 1},
}

// rexByte returns a REX prefix byte given W (64-bit operand), R (ModRM.reg
// extension), X (SIB.index extension), and B (ModRM.rm/SIB.base/opcode.reg
// extension).
func rexByte(w, r, x, b bool) byte {
	rex := byte(0x40)
	if w {
		rex |= 0x08
	}
	if r {
		rex |= 0x04
	}
	if x {
		rex |= 0x02
	}
	if b {
		rex |= 0x01
	}
	return rex
}

// needsRex reports whether a REX prefix must be emitted even when W=0,
// e.g. because one of the operands is a register requiring REX.B/R, or a
// byte register outside the legacy al/cl/dl/bl set (spl/bpl/sil/dil).
func needsRex(regs ...regInfo) bool {
	for _, r := range regs {
		if r.ext {
			return true
		}
		switch r.name {
		case "spl", "bpl", "sil", "dil":
			return true
		}
	}
	return false
}
