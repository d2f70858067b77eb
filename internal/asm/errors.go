package asm

import (
	"errors"
	"fmt"
	"strings"
)

// SyntaxError is a lexer or parser rejection, carrying the position of the
// offending token and a human-readable message (spec.md §7).
type SyntaxError struct {
	Pos Pos
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%d:%d: %s", e.Pos.Line, e.Pos.Col, e.Msg)
}

// UndefinedSymbolError reports a reference to an undefined .equ/.set
// constant, or (from the ELF writer) a missing entry-point symbol.
// Instruction operands that name an undefined symbol are not reported:
// their relocations stay in Result.Relocs and the ELF writer skips them.
type UndefinedSymbolError struct {
	Symbol string
}

func (e *UndefinedSymbolError) Error() string {
	return fmt.Sprintf("undefined symbol: %s", e.Symbol)
}

// multiError joins multiple accumulated errors, one per line, matching
// spec.md §4.D/§7's "collected into a list ... joined by newlines" policy.
type multiError struct {
	errs []error
}

func (m *multiError) Error() string {
	lines := make([]string, len(m.errs))
	for i, e := range m.errs {
		lines[i] = e.Error()
	}
	return strings.Join(lines, "\n")
}

func (m *multiError) Unwrap() []error { return m.errs }

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	return &multiError{errs: errs}
}

// IsUndefinedSymbol reports whether err (or one it wraps) is an
// UndefinedSymbolError.
func IsUndefinedSymbol(err error) bool {
	var u *UndefinedSymbolError
	return errors.As(err, &u)
}
