package asm

import (
	"encoding/binary"
	"fmt"
)

// encCtx is the state an encoder needs to emit bytes into the current
// section, optionally recording a relocation for a symbol reference it
// could not resolve to a concrete displacement yet (spec.md §4.D/§3:
// resolution itself happens in pass 2, inside the ELF writer).
type encCtx struct {
	sec    *Section
	symtab *SymbolTable
	relocs *[]Relocation
}

func (c *encCtx) emit(b ...byte) {
	c.sec.write(b)
}

func (c *encCtx) emitDisp32Reloc(target string, addend int64, pcRelative bool) {
	patchOffset := c.sec.offset()
	c.sec.write([]byte{0, 0, 0, 0})
	*c.relocs = append(*c.relocs, Relocation{
		SourceSection: c.sec.Name,
		PatchOffset:   patchOffset,
		Size:          4,
		PCRelative:    pcRelative,
		TargetSymbol:  target,
		Addend:        addend,
	})
}

func (c *encCtx) emitImm64Reloc(target string, addend int64) {
	patchOffset := c.sec.offset()
	c.sec.write(make([]byte, 8))
	*c.relocs = append(*c.relocs, Relocation{
		SourceSection: c.sec.Name,
		PatchOffset:   patchOffset,
		Size:          8,
		PCRelative:    false,
		TargetSymbol:  target,
		Addend:        addend,
	})
}

func modrm(mod, reg, rm byte) byte {
	return (mod << 6) | ((reg & 7) << 3) | (rm & 7)
}

func sib(scale, index, base byte) byte {
	return (scale << 6) | ((index & 7) << 3) | (base & 7)
}

func scaleEnc(n int) (byte, error) {
	switch n {
	case 1:
		return 0, nil
	case 2:
		return 1, nil
	case 4:
		return 2, nil
	case 8:
		return 3, nil
	default:
		return 0, fmt.Errorf("invalid scale %d", n)
	}
}

// encodeModRM emits the ModRM(+SIB)(+disp) bytes for a register or memory
// operand, with regField occupying ModRM.reg (the opcode-extension digit
// for single-operand forms, or the other operand's register). Returns the
// REX.R/X/B bits the caller still needs to fold into the REX prefix.
func (c *encCtx) encodeModRM(mem Operand, regField byte) (r, x, b bool, err error) {
	switch mem.Kind {
	case OpRegister:
		c.emit(modrm(3, regField, mem.Reg.enc))
		return false, false, mem.Reg.ext, nil

	case OpRIP:
		c.emit(modrm(0, regField, 5))
		c.emitDisp32Reloc(mem.Symbol, mem.Disp, true)
		return false, false, false, nil

	case OpDirect:
		// bare absolute address as a memory operand (rare outside call/jmp,
		// kept for completeness of the addressing-mode union).
		c.emit(modrm(0, regField, 4), sib(0, 4, 5))
		c.emitDisp32Reloc(mem.Symbol, mem.Disp, false)
		return false, false, false, nil

	case OpIndirect:
		if !mem.HasBase {
			return false, false, false, fmt.Errorf("indirect operand missing base register")
		}
		base := mem.Base
		needSIB := base.name == "rsp" || base.name == "r12" || mem.HasIndex
		mod := byte(2) // force disp32 so a later relocation never has to widen the encoding
		if !needSIB {
			c.emit(modrm(mod, regField, base.enc))
		} else {
			c.emit(modrm(mod, regField, 4))
			idxEnc := byte(4)
			idxExt := false
			scale := byte(0)
			if mem.HasIndex {
				idxEnc = mem.Index.enc
				idxExt = mem.Index.ext
				s, serr := scaleEnc(mem.Scale)
				if serr != nil {
					return false, false, false, serr
				}
				scale = s
			}
			c.emit(sib(scale, idxEnc, base.enc))
			x = idxExt
		}
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], uint32(int32(mem.Disp)))
		c.emit(buf[:]...)
		return false, x, base.ext, nil

	default:
		return false, false, false, fmt.Errorf("operand kind %v is not a memory or register operand", mem.Kind)
	}
}

func regSize(o Operand) int {
	if o.Kind == OpRegister {
		return o.Reg.size
	}
	return 8
}

// encodeInstruction assembles one mnemonic and its operands into the
// current section, emitting relocations for any symbol reference.
func encodeInstruction(c *encCtx, mnemonic string, ops []Operand, pos Pos) error {
	switch mnemonic {
	case "movq":
		return encMov(c, ops, true)
	case "movl":
		return encMov(c, ops, false)
	case "movb":
		return encMovb(c, ops)
	case "movzbq":
		return encMovzbq(c, ops)
	case "leaq":
		return encLea(c, ops)
	case "addq":
		return encArithRM(c, ops, 0x01, 0x03, 0x00)
	case "subq":
		return encArithRM(c, ops, 0x29, 0x2B, 0x05)
	case "xorq":
		return encArithRM(c, ops, 0x31, 0x33, 0x06)
	case "cmpq":
		return encArithRM(c, ops, 0x39, 0x3B, 0x07)
	case "testq":
		return encTest(c, ops)
	case "imulq":
		return encImul(c, ops)
	case "idivq":
		return encDivMul(c, ops, 7)
	case "divq":
		return encDivMul(c, ops, 6)
	case "cqo":
		c.emit(0x48, 0x99)
		return nil
	case "pushq":
		return encPush(c, ops)
	case "popq":
		return encPop(c, ops)
	case "negq":
		return encUnary(c, ops, 3)
	case "incq":
		return encUnary(c, ops, 0)
	case "decq":
		return encUnary(c, ops, 1)
	case "ret":
		c.emit(0xC3)
		return nil
	case "syscall":
		c.emit(0x0F, 0x05)
		return nil
	case "call":
		return encCallJmp(c, ops, true)
	case "jmp":
		return encCallJmp(c, ops, false)
	case "je", "jz":
		return encJcc(c, ops, 0x84)
	case "jne":
		return encJcc(c, ops, 0x85)
	case "jl":
		return encJcc(c, ops, 0x8C)
	case "jle":
		return encJcc(c, ops, 0x8E)
	case "jg":
		return encJcc(c, ops, 0x8F)
	case "jge":
		return encJcc(c, ops, 0x8D)
	case "jns":
		return encJcc(c, ops, 0x89)
	case "sete":
		return encSetcc(c, ops, 0x94)
	case "setne":
		return encSetcc(c, ops, 0x95)
	case "setl":
		return encSetcc(c, ops, 0x9C)
	case "setle":
		return encSetcc(c, ops, 0x9E)
	case "setg":
		return encSetcc(c, ops, 0x9F)
	case "setge":
		return encSetcc(c, ops, 0x9D)
	default:
		return &SyntaxError{Pos: pos, Msg: fmt.Sprintf("unknown mnemonic %q", mnemonic)}
	}
}

// AT&T order is src, dst.
func encMov(c *encCtx, ops []Operand, w bool) error {
	if len(ops) != 2 {
		return fmt.Errorf("movq requires two operands")
	}
	src, dst := ops[0], ops[1]

	if src.Kind == OpImmediate && dst.Kind == OpRegister {
		if src.ImmIsSymbol {
			// movabs $symbol, %reg: full 64-bit immediate, absolute 8-byte
			// relocation (spec.md §4.D).
			c.emit(rexByte(true, false, false, dst.Reg.ext))
			c.emit(0xB8 + (dst.Reg.enc & 7))
			c.emitImm64Reloc(src.ImmSymbol, src.ImmValue)
			return nil
		}
		rex := rexByte(w, false, false, dst.Reg.ext)
		if w || needsRex(dst.Reg) {
			c.emit(rex)
		}
		if w {
			c.emit(0xC7)
			c.emit(modrm(3, 0, dst.Reg.enc))
			var buf [4]byte
			binary.LittleEndian.PutUint32(buf[:], uint32(int32(src.ImmValue)))
			c.emit(buf[:]...)
		} else {
			c.emit(0xB8 + (dst.Reg.enc & 7))
			var buf [4]byte
			binary.LittleEndian.PutUint32(buf[:], uint32(int32(src.ImmValue)))
			c.emit(buf[:]...)
		}
		return nil
	}

	if src.Kind == OpRegister && dst.Kind == OpRegister {
		// 0x89 is MOV r/m, r: ModRM.reg carries the source, ModRM.rm the dest.
		c.emit(rexByte(w, src.Reg.ext, false, dst.Reg.ext))
		c.emit(0x89)
		c.emit(modrm(3, src.Reg.enc, dst.Reg.enc))
		return nil
	}

	if src.Kind == OpRegister {
		// store: mov %reg, mem
		r, x, b, err := peekMemExt(dst)
		if err != nil {
			return err
		}
		c.emit(rexByte(w, src.Reg.ext, x, b || r))
		c.emit(0x89)
		_, _, _, err = c.encodeModRM(dst, src.Reg.enc)
		return err
	}

	// load: mov mem, %reg
	r, x, b, err := peekMemExt(src)
	if err != nil {
		return err
	}
	c.emit(rexByte(w, dst.Reg.ext, x, b || r))
	c.emit(0x8B)
	_, _, _, err = c.encodeModRM(src, dst.Reg.enc)
	return err
}

// peekMemExt computes the REX.X/B bits a memory operand will need without
// emitting anything, so the REX prefix can be written before the ModRM/SIB
// bytes it covers.
func peekMemExt(mem Operand) (r, x, b bool, err error) {
	switch mem.Kind {
	case OpIndirect:
		if mem.HasIndex {
			x = mem.Index.ext
		}
		if mem.HasBase {
			b = mem.Base.ext
		}
		return
	case OpRIP, OpDirect:
		return false, false, false, nil
	default:
		return false, false, false, fmt.Errorf("expected memory operand")
	}
}

// encMovzbq zero-extends an 8-bit source into a 64-bit register. The source
// may be a byte register (%al-style) or a memory operand, covering both the
// comparison idiom (setcc %al; movzbq %al, %rax) and a byte load from
// memory (the printf stub's format-string cursor read).
func encMovzbq(c *encCtx, ops []Operand) error {
	if len(ops) != 2 || ops[1].Kind != OpRegister {
		return fmt.Errorf("movzbq requires a register destination")
	}
	src, dst := ops[0], ops[1]
	if src.Kind == OpRegister {
		c.emit(rexByte(true, dst.Reg.ext, false, src.Reg.ext))
		c.emit(0x0F, 0xB6)
		c.emit(modrm(3, dst.Reg.enc, src.Reg.enc))
		return nil
	}
	r, x, b, err := peekMemExt(src)
	if err != nil {
		return fmt.Errorf("movzbq requires a register or memory source: %w", err)
	}
	c.emit(rexByte(true, dst.Reg.ext, x, b || r))
	c.emit(0x0F, 0xB6)
	_, _, _, err = c.encodeModRM(src, dst.Reg.enc)
	return err
}

// encMovb stores or loads a single byte (spec.md's printf stub builds its
// output byte-by-byte). Supports byte-register<->memory and immediate
// byte->memory, the three forms that stub needs.
func encMovb(c *encCtx, ops []Operand) error {
	if len(ops) != 2 {
		return fmt.Errorf("movb requires two operands")
	}
	src, dst := ops[0], ops[1]

	if src.Kind == OpImmediate && dst.Kind != OpRegister {
		r, x, b, err := peekMemExt(dst)
		if err != nil {
			return err
		}
		if x || b || r {
			c.emit(rexByte(false, false, x, b || r))
		}
		c.emit(0xC6)
		if _, _, _, err := c.encodeModRM(dst, 0); err != nil {
			return err
		}
		c.emit(byte(src.ImmValue))
		return nil
	}

	if src.Kind == OpRegister && dst.Kind != OpRegister {
		r, x, b, err := peekMemExt(dst)
		if err != nil {
			return err
		}
		if x || b || r || src.Reg.ext || needsRex(src.Reg) {
			c.emit(rexByte(false, src.Reg.ext, x, b || r))
		}
		c.emit(0x88)
		_, _, _, err = c.encodeModRM(dst, src.Reg.enc)
		return err
	}

	if src.Kind != OpRegister && dst.Kind == OpRegister {
		r, x, b, err := peekMemExt(src)
		if err != nil {
			return err
		}
		if x || b || r || dst.Reg.ext || needsRex(dst.Reg) {
			c.emit(rexByte(false, dst.Reg.ext, x, b || r))
		}
		c.emit(0x8A)
		_, _, _, err = c.encodeModRM(src, dst.Reg.enc)
		return err
	}

	return fmt.Errorf("unsupported movb operand combination")
}

func encLea(c *encCtx, ops []Operand) error {
	if len(ops) != 2 || ops[1].Kind != OpRegister {
		return fmt.Errorf("leaq requires a memory source and register destination")
	}
	src, dst := ops[0], ops[1]
	r, x, b, err := peekMemExt(src)
	if err != nil {
		return err
	}
	c.emit(rexByte(true, dst.Reg.ext, x, b || r))
	c.emit(0x8D)
	_, _, _, err = c.encodeModRM(src, dst.Reg.enc)
	return err
}

// encArithRM handles the two-operand ALU instructions that share opcode
// shape: reg->rm (store form), rm->reg (load form), and imm->rm via the
// 0x81 /digit group when the destination is a register and the source an
// immediate.
func encArithRM(c *encCtx, ops []Operand, storeOp, loadOp byte, immDigit byte) error {
	if len(ops) != 2 {
		return fmt.Errorf("instruction requires two operands")
	}
	src, dst := ops[0], ops[1]

	if src.Kind == OpImmediate {
		if dst.Kind != OpRegister {
			return fmt.Errorf("immediate source requires register destination")
		}
		c.emit(rexByte(true, false, false, dst.Reg.ext))
		c.emit(0x81)
		c.emit(modrm(3, immDigit, dst.Reg.enc))
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], uint32(int32(src.ImmValue)))
		c.emit(buf[:]...)
		return nil
	}

	if src.Kind == OpRegister && dst.Kind == OpRegister {
		// storeOp is the r/m,r opcode form: ModRM.reg carries src, rm carries dst.
		c.emit(rexByte(true, src.Reg.ext, false, dst.Reg.ext))
		c.emit(storeOp)
		c.emit(modrm(3, src.Reg.enc, dst.Reg.enc))
		return nil
	}

	if src.Kind == OpRegister {
		r, x, b, err := peekMemExt(dst)
		if err != nil {
			return err
		}
		c.emit(rexByte(true, src.Reg.ext, x, b || r))
		c.emit(storeOp)
		_, _, _, err = c.encodeModRM(dst, src.Reg.enc)
		return err
	}

	r, x, b, err := peekMemExt(src)
	if err != nil {
		return err
	}
	c.emit(rexByte(true, dst.Reg.ext, x, b || r))
	c.emit(loadOp)
	_, _, _, err = c.encodeModRM(src, dst.Reg.enc)
	return err
}

func encTest(c *encCtx, ops []Operand) error {
	if len(ops) != 2 || ops[0].Kind != OpRegister || ops[1].Kind != OpRegister {
		return fmt.Errorf("testq requires two register operands")
	}
	src, dst := ops[0], ops[1]
	c.emit(rexByte(true, src.Reg.ext, false, dst.Reg.ext))
	c.emit(0x85)
	c.emit(modrm(3, src.Reg.enc, dst.Reg.enc))
	return nil
}

// imulq %reg, %reg (two-operand form): IMUL r64, r/m64.
func encImul(c *encCtx, ops []Operand) error {
	if len(ops) != 2 || ops[0].Kind != OpRegister || ops[1].Kind != OpRegister {
		return fmt.Errorf("imulq requires two register operands")
	}
	src, dst := ops[0], ops[1]
	c.emit(rexByte(true, dst.Reg.ext, false, src.Reg.ext))
	c.emit(0x0F, 0xAF)
	c.emit(modrm(3, dst.Reg.enc, src.Reg.enc))
	return nil
}

// idivq/divq %reg: single operand, implicit rdx:rax dividend, ModRM /digit.
func encDivMul(c *encCtx, ops []Operand, digit byte) error {
	if len(ops) != 1 || ops[0].Kind != OpRegister {
		return fmt.Errorf("divide instruction requires one register operand")
	}
	r := ops[0].Reg
	c.emit(rexByte(true, false, false, r.ext))
	c.emit(0xF7)
	c.emit(modrm(3, digit, r.enc))
	return nil
}

func encPush(c *encCtx, ops []Operand) error {
	if len(ops) != 1 || ops[0].Kind != OpRegister {
		return fmt.Errorf("pushq requires one register operand")
	}
	r := ops[0].Reg
	if r.ext {
		c.emit(rexByte(false, false, false, true))
	}
	c.emit(0x50 + (r.enc & 7))
	return nil
}

func encPop(c *encCtx, ops []Operand) error {
	if len(ops) != 1 || ops[0].Kind != OpRegister {
		return fmt.Errorf("popq requires one register operand")
	}
	r := ops[0].Reg
	if r.ext {
		c.emit(rexByte(false, false, false, true))
	}
	c.emit(0x58 + (r.enc & 7))
	return nil
}

func encUnary(c *encCtx, ops []Operand, digit byte) error {
	if len(ops) != 1 || ops[0].Kind != OpRegister {
		return fmt.Errorf("instruction requires one register operand")
	}
	r := ops[0].Reg
	c.emit(rexByte(true, false, false, r.ext))
	if digit == 0 || digit == 1 {
		c.emit(0xFF)
	} else {
		c.emit(0xF7)
	}
	c.emit(modrm(3, digit, r.enc))
	return nil
}

func encCallJmp(c *encCtx, ops []Operand, isCall bool) error {
	if len(ops) != 1 {
		return fmt.Errorf("call/jmp requires one target operand")
	}
	target := ops[0]
	if target.Kind != OpDirect {
		return fmt.Errorf("call/jmp target must be a symbol")
	}
	if isCall {
		c.emit(0xE8)
	} else {
		c.emit(0xE9)
	}
	// rel32 relative to the end of this instruction (offset+4 from the
	// patch site); the ELF writer's relocation resolver accounts for this
	// via the PCRelative formula (spec.md §4.C).
	c.emitDisp32Reloc(target.Symbol, target.Disp, true)
	return nil
}

func encJcc(c *encCtx, ops []Operand, op2 byte) error {
	if len(ops) != 1 || ops[0].Kind != OpDirect {
		return fmt.Errorf("jcc requires one symbol target operand")
	}
	c.emit(0x0F, op2)
	c.emitDisp32Reloc(ops[0].Symbol, ops[0].Disp, true)
	return nil
}

func encSetcc(c *encCtx, ops []Operand, op2 byte) error {
	if len(ops) != 1 || ops[0].Kind != OpRegister {
		return fmt.Errorf("setcc requires one register operand")
	}
	r := ops[0].Reg
	if needsRex(r) {
		c.emit(rexByte(false, false, false, r.ext))
	}
	c.emit(0x0F, op2)
	c.emit(modrm(3, 0, r.enc))
	return nil
}
