package asm

import (
	"fmt"
	"strconv"
	"strings"
)

// directiveNames are the assembler directives spec.md §4.D requires the
// lexer to recognize.
var directiveNames = map[string]bool{
	"text": true, "data": true, "bss": true, "global": true, "globl": true,
	"ascii": true, "asciz": true, "byte": true, "word": true, "long": true,
	"quad": true, "equ": true, "set": true,
}

// Lexer tokenizes AT&T/GAS assembly source text.
type Lexer struct {
	src  string
	pos  int // byte offset
	line int
	col  int
}

// NewLexer creates a Lexer over src.
func NewLexer(src string) *Lexer {
	return &Lexer{src: src, line: 1, col: 1}
}

func (l *Lexer) peekByte() byte {
	if l.pos >= len(l.src) {
		return 0
	}
	return l.src[l.pos]
}

func (l *Lexer) peekAt(off int) byte {
	if l.pos+off >= len(l.src) {
		return 0
	}
	return l.src[l.pos+off]
}

func (l *Lexer) advance() byte {
	c := l.src[l.pos]
	l.pos++
	if c == '\n' {
		l.line++
		l.col = 1
	} else {
		l.col++
	}
	return c
}

func isIdentStart(c byte) bool {
	return c == '_' || c == '.' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentCont(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9') || c == '$'
}

// Tokens lexes the entire source, discarding comments, and returns the
// token stream terminated by a single TokEOF. Lexer errors are returned as
// a *SyntaxError slice joined into one error, matching the assembler's
// accumulate-then-report policy (spec.md §4.D, §7).
func (l *Lexer) Tokens() ([]Token, error) {
	var toks []Token
	var errs []error

	for {
		l.skipSpaceAndComments()
		if l.pos >= len(l.src) {
			toks = append(toks, Token{Kind: TokEOF, Pos: Pos{l.line, l.col}})
			break
		}

		start := Pos{l.line, l.col}
		c := l.peekByte()

		switch {
		case c == '#':
			// "#…" to end of line comment, already consumed by skipSpaceAndComments
			// in practice, but guarded here for robustness.
			for l.pos < len(l.src) && l.peekByte() != '\n' {
				l.advance()
			}
			continue

		case c == '%':
			l.advance()
			id := l.readIdent()
			toks = append(toks, Token{Kind: TokRegister, Text: strings.ToLower(id), Pos: start})

		case c == '$':
			l.advance()
			toks = append(toks, Token{Kind: TokPunct, Text: "$", Pos: start})

		case c == '"':
			tok, err := l.readString(start)
			if err != nil {
				errs = append(errs, err)
			} else {
				toks = append(toks, tok)
			}

		case c == '-' && isDigit(l.peekAt(1)):
			tok := l.readNumber(start)
			toks = append(toks, tok)

		case isDigit(c):
			tok := l.readNumber(start)
			toks = append(toks, tok)

		case c == '.':
			l.advance()
			id := l.readIdent()
			name := strings.ToLower(id)
			if !directiveNames[name] {
				errs = append(errs, &SyntaxError{Pos: start, Msg: fmt.Sprintf("unknown directive .%s", id)})
				continue
			}
			toks = append(toks, Token{Kind: TokDirective, Text: name, Pos: start})

		case isIdentStart(c):
			id := l.readIdent()
			if l.peekByte() == ':' {
				l.advance()
				toks = append(toks, Token{Kind: TokLabelDef, Text: id, Pos: start})
			} else {
				toks = append(toks, Token{Kind: TokIdent, Text: id, Pos: start})
			}

		case c == '(' || c == ')' || c == ',':
			l.advance()
			toks = append(toks, Token{Kind: TokPunct, Text: string(c), Pos: start})

		default:
			errs = append(errs, &SyntaxError{Pos: start, Msg: fmt.Sprintf("unexpected character %q", c)})
			l.advance()
		}
	}

	if len(errs) > 0 {
		return toks, joinErrors(errs)
	}
	return toks, nil
}

func (l *Lexer) skipSpaceAndComments() {
	for l.pos < len(l.src) {
		c := l.peekByte()
		switch {
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
			l.advance()
		case c == '#':
			for l.pos < len(l.src) && l.peekByte() != '\n' {
				l.advance()
			}
		default:
			return
		}
	}
}

func (l *Lexer) readIdent() string {
	start := l.pos
	for l.pos < len(l.src) && isIdentCont(l.peekByte()) {
		l.advance()
	}
	return l.src[start:l.pos]
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func (l *Lexer) readNumber(pos Pos) Token {
	start := l.pos
	if l.peekByte() == '-' {
		l.advance()
	}
	if l.peekByte() == '0' && (l.peekAt(1) == 'x' || l.peekAt(1) == 'X') {
		l.advance()
		l.advance()
		for l.pos < len(l.src) && isHexDigit(l.peekByte()) {
			l.advance()
		}
	} else {
		for l.pos < len(l.src) && isDigit(l.peekByte()) {
			l.advance()
		}
	}
	text := l.src[start:l.pos]
	v, _ := strconv.ParseInt(text, 0, 64)
	return Token{Kind: TokInt, Text: text, Int: v, Pos: pos}
}

func isHexDigit(c byte) bool {
	return isDigit(c) || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func (l *Lexer) readString(pos Pos) (Token, error) {
	startOffset := l.pos
	l.advance() // opening quote
	var decoded strings.Builder
	for {
		if l.pos >= len(l.src) {
			return Token{}, &SyntaxError{Pos: pos, Msg: "unterminated string literal"}
		}
		c := l.peekByte()
		if c == '"' {
			l.advance()
			break
		}
		if c == '\\' {
			l.advance()
			if l.pos >= len(l.src) {
				return Token{}, &SyntaxError{Pos: pos, Msg: "unterminated escape sequence"}
			}
			e := l.advance()
			switch e {
			case 'n':
				decoded.WriteByte('\n')
			case 't':
				decoded.WriteByte('\t')
			case '0':
				decoded.WriteByte(0)
			case '\\':
				decoded.WriteByte('\\')
			case '"':
				decoded.WriteByte('"')
			default:
				decoded.WriteByte(e)
			}
			continue
		}
		decoded.WriteByte(l.advance())
	}
	raw := l.src[startOffset:l.pos]
	return Token{Kind: TokString, Raw: raw, Str: decoded.String(), Pos: pos}, nil
}
