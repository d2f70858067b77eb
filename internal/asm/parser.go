package asm

import (
	"fmt"
)

// sectionOrder fixes the section emission order in the final image:
// .text, then .data, then .bss (spec.md §6 lays the single PT_LOAD segment
// out in that order).
var sectionOrder = []SectionName{SecText, SecData, SecBSS}

// Result is the pass-1 output: encoded sections, the symbol table, and the
// relocations still needing resolution once section virtual addresses are
// known (spec.md §3, performed by the ELF writer in pass 2).
type Result struct {
	Sections map[SectionName]*Section
	Symtab   *SymbolTable
	Relocs   []Relocation
}

type parser struct {
	toks []Token
	pos  int
	errs []error

	sections map[SectionName]*Section
	cur      *Section
	symtab   *SymbolTable
	relocs   []Relocation
}

// Assemble lexes, parses, and encodes AT&T/GAS assembly source into
// sections, a symbol table, and pending relocations. All errors
// encountered are accumulated and joined with newlines rather than
// aborting at the first one (spec.md §4.D, §7).
func Assemble(src string) (*Result, error) {
	lx := NewLexer(src)
	toks, lexErr := lx.Tokens()

	p := &parser{
		toks:     toks,
		sections: map[SectionName]*Section{},
		symtab:   newSymbolTable(),
	}
	for _, name := range sectionOrder {
		p.sections[name] = newSection(name)
	}
	p.cur = p.sections[SecText]

	if lexErr != nil {
		p.errs = append(p.errs, lexErr)
	}
	p.run()

	res := &Result{Sections: p.sections, Symtab: p.symtab, Relocs: p.relocs}
	if len(p.errs) > 0 {
		return res, joinErrors(p.errs)
	}
	return res, nil
}

func (p *parser) peek() Token {
	if p.pos >= len(p.toks) {
		return Token{Kind: TokEOF}
	}
	return p.toks[p.pos]
}

func (p *parser) next() Token {
	t := p.peek()
	if p.pos < len(p.toks) {
		p.pos++
	}
	return t
}

func (p *parser) run() {
	for {
		t := p.peek()
		switch t.Kind {
		case TokEOF:
			return

		case TokLabelDef:
			p.next()
			p.symtab.define(t.Text, p.cur.Name, p.cur.offset())

		case TokDirective:
			p.next()
			p.handleDirective(t)

		case TokIdent:
			p.next()
			p.handleInstruction(t)

		default:
			p.errs = append(p.errs, &SyntaxError{Pos: t.Pos, Msg: fmt.Sprintf("unexpected token %q", t.Text)})
			p.next()
		}
	}
}

// stmtLine gathers every remaining token on t's source line, used for both
// directive operands and instruction operands.
func (p *parser) stmtLine(line int) []Token {
	var out []Token
	for p.peek().Pos.Line == line && p.peek().Kind != TokEOF && p.peek().Kind != TokLabelDef && p.peek().Kind != TokDirective {
		out = append(out, p.next())
	}
	return out
}

func (p *parser) handleDirective(t Token) {
	line := t.Pos.Line
	rest := p.stmtLine(line)

	switch t.Text {
	case "text":
		p.cur = p.sections[SecText]
	case "data":
		p.cur = p.sections[SecData]
	case "bss":
		p.cur = p.sections[SecBSS]

	case "global", "globl":
		if len(rest) != 1 || rest[0].Kind != TokIdent {
			p.errs = append(p.errs, &SyntaxError{Pos: t.Pos, Msg: ".global requires one symbol name"})
			return
		}
		p.symtab.markGlobal(rest[0].Text)

	case "equ", "set":
		if len(rest) != 3 || rest[0].Kind != TokIdent || rest[1].Text != "," {
			p.errs = append(p.errs, &SyntaxError{Pos: t.Pos, Msg: ".equ/.set requires name, value"})
			return
		}
		val, err := p.constExpr(rest[2])
		if err != nil {
			p.errs = append(p.errs, err)
			return
		}
		p.symtab.setConst(rest[0].Text, val)

	case "ascii", "asciz":
		if len(rest) != 1 || rest[0].Kind != TokString {
			p.errs = append(p.errs, &SyntaxError{Pos: t.Pos, Msg: "." + t.Text + " requires a string literal"})
			return
		}
		data := []byte(rest[0].Str)
		if t.Text == "asciz" {
			data = append(data, 0)
		}
		p.cur.write(data)

	case "byte", "word", "long", "quad":
		width := map[string]int{"byte": 1, "word": 2, "long": 4, "quad": 8}[t.Text]
		groups := splitOnComma(rest)
		for _, g := range groups {
			if len(g) != 1 || g[0].Kind != TokInt {
				p.errs = append(p.errs, &SyntaxError{Pos: t.Pos, Msg: "." + t.Text + " requires integer constants"})
				continue
			}
			p.cur.write(intBytes(g[0].Int, width))
		}

	default:
		p.errs = append(p.errs, &SyntaxError{Pos: t.Pos, Msg: "unsupported directive ." + t.Text})
	}
}

func intBytes(v int64, width int) []byte {
	b := make([]byte, width)
	for i := 0; i < width; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}

func (p *parser) constExpr(t Token) (int64, error) {
	switch t.Kind {
	case TokInt:
		return t.Int, nil
	case TokIdent:
		if v, ok := p.symtab.lookupConst(t.Text); ok {
			return v, nil
		}
		return 0, &UndefinedSymbolError{Symbol: t.Text}
	default:
		return 0, &SyntaxError{Pos: t.Pos, Msg: "expected constant expression"}
	}
}

func (p *parser) handleInstruction(t Token) {
	line := t.Pos.Line
	rest := p.stmtLine(line)
	groups := splitOnComma(rest)

	var ops []Operand
	for _, g := range groups {
		if len(g) == 0 {
			continue
		}
		op, err := p.parseOperand(g)
		if err != nil {
			p.errs = append(p.errs, err)
			continue
		}
		ops = append(ops, op)
	}

	ctx := &encCtx{sec: p.cur, symtab: p.symtab, relocs: &p.relocs}
	if err := encodeInstruction(ctx, t.Text, ops, t.Pos); err != nil {
		p.errs = append(p.errs, wrapSyntax(t.Pos, err))
	}
}

func wrapSyntax(pos Pos, err error) error {
	if se, ok := err.(*SyntaxError); ok {
		return se
	}
	return &SyntaxError{Pos: pos, Msg: err.Error()}
}

// splitOnComma splits a token run into operand groups at top-level commas,
// tracking paren depth so "base,index,scale" inside "(...)" is not split.
func splitOnComma(toks []Token) [][]Token {
	var groups [][]Token
	var cur []Token
	depth := 0
	for _, t := range toks {
		if t.Kind == TokPunct && t.Text == "(" {
			depth++
		}
		if t.Kind == TokPunct && t.Text == ")" {
			depth--
		}
		if t.Kind == TokPunct && t.Text == "," && depth == 0 {
			groups = append(groups, cur)
			cur = nil
			continue
		}
		cur = append(cur, t)
	}
	if len(cur) > 0 || len(groups) > 0 {
		groups = append(groups, cur)
	}
	return groups
}

// parseOperand parses one AT&T operand: $imm, %reg, a bare symbol (direct
// branch target), symbol(%rip), or disp(base[,index,scale]).
func (p *parser) parseOperand(toks []Token) (Operand, error) {
	if len(toks) == 0 {
		return Operand{}, fmt.Errorf("empty operand")
	}
	pos := toks[0].Pos
	i := 0

	if toks[i].Kind == TokPunct && toks[i].Text == "$" {
		i++
		if i >= len(toks) {
			return Operand{}, &SyntaxError{Pos: pos, Msg: "expected value after $"}
		}
		switch toks[i].Kind {
		case TokInt:
			return Operand{Kind: OpImmediate, ImmValue: toks[i].Int, Pos: pos}, nil
		case TokIdent:
			return Operand{Kind: OpImmediate, ImmIsSymbol: true, ImmSymbol: toks[i].Text, Pos: pos}, nil
		default:
			return Operand{}, &SyntaxError{Pos: pos, Msg: "expected integer or symbol after $"}
		}
	}

	if toks[i].Kind == TokRegister {
		r, ok := registers[toks[i].Text]
		if !ok {
			return Operand{}, &SyntaxError{Pos: pos, Msg: "unknown register %" + toks[i].Text}
		}
		if len(toks) == 1 {
			return regOperand(r, pos), nil
		}
		return Operand{}, &SyntaxError{Pos: pos, Msg: "unexpected tokens after register operand"}
	}

	// disp(base[,index,scale]) or symbol(%rip) or bare disp/symbol with parens.
	var dispVal int64
	var dispSym string
	if toks[i].Kind == TokInt {
		dispVal = toks[i].Int
		i++
	} else if toks[i].Kind == TokIdent {
		dispSym = toks[i].Text
		i++
	}

	if i >= len(toks) {
		if dispSym != "" {
			return Operand{Kind: OpDirect, Symbol: dispSym, Pos: pos}, nil
		}
		return Operand{}, &SyntaxError{Pos: pos, Msg: "invalid operand"}
	}

	if toks[i].Kind != TokPunct || toks[i].Text != "(" {
		return Operand{}, &SyntaxError{Pos: pos, Msg: "expected ( in memory operand"}
	}
	i++

	if i < len(toks) && toks[i].Kind == TokRegister && toks[i].Text == "rip" {
		i++
		if i >= len(toks) || toks[i].Text != ")" {
			return Operand{}, &SyntaxError{Pos: pos, Msg: "expected ) after %rip"}
		}
		if dispSym == "" {
			return Operand{}, &SyntaxError{Pos: pos, Msg: "%rip operand requires a symbol displacement"}
		}
		return Operand{Kind: OpRIP, Symbol: dispSym, Disp: dispVal, Pos: pos}, nil
	}

	var base, index regInfo
	var hasBase, hasIndex bool
	scale := 1

	if i < len(toks) && toks[i].Kind == TokRegister {
		r, ok := registers[toks[i].Text]
		if !ok {
			return Operand{}, &SyntaxError{Pos: pos, Msg: "unknown register %" + toks[i].Text}
		}
		base = r
		hasBase = true
		i++
	}
	if i < len(toks) && toks[i].Kind == TokPunct && toks[i].Text == "," {
		i++
		if i < len(toks) && toks[i].Kind == TokRegister {
			r, ok := registers[toks[i].Text]
			if !ok {
				return Operand{}, &SyntaxError{Pos: pos, Msg: "unknown register %" + toks[i].Text}
			}
			index = r
			hasIndex = true
			i++
		}
		if i < len(toks) && toks[i].Kind == TokPunct && toks[i].Text == "," {
			i++
			if i < len(toks) && toks[i].Kind == TokInt {
				scale = int(toks[i].Int)
				i++
			}
		}
	}
	if i >= len(toks) || toks[i].Text != ")" {
		return Operand{}, &SyntaxError{Pos: pos, Msg: "expected ) to close memory operand"}
	}
	i++
	if i != len(toks) {
		return Operand{}, &SyntaxError{Pos: pos, Msg: "unexpected tokens after memory operand"}
	}

	if !hasBase {
		return Operand{}, &SyntaxError{Pos: pos, Msg: "memory operand requires a base register"}
	}

	op := Operand{Kind: OpIndirect, Disp: dispVal, Base: base, HasBase: true, Pos: pos}
	if hasIndex {
		op.Index = index
		op.HasIndex = true
		op.Scale = scale
	}
	_ = dispSym
	return op, nil
}
