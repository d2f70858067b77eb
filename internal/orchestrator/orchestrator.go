// Package orchestrator wires the HelixCore pipeline end to end (spec.md
// §4.F): it turns (language, source) into assembled sections via the C
// front end and/or the assembler, links them into an ET_EXEC image, and
// drives the emulator host adapter to execute it, returning the guest's
// exit status and streaming output through caller-supplied sinks.
package orchestrator

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/helixcore/vm/internal/asm"
	"github.com/helixcore/vm/internal/cfront"
	"github.com/helixcore/vm/internal/elfwriter"
	"github.com/helixcore/vm/internal/emulator"
	glog "github.com/helixcore/vm/internal/log"
	"github.com/helixcore/vm/internal/store"
)

// Language selects which front end source text is written in.
type Language string

const (
	LangC   Language = "c"
	LangASM Language = "asm"
)

// SourceMapEntry is the C front end's per-statement source map after
// label resolution: a virtual address paired with the originating
// line/column (spec.md §3, §4.E).
type SourceMapEntry struct {
	VA   uint64
	Line int
	Col  int
}

// Sinks are the two caller-supplied output callbacks spec.md §6 requires,
// set once per Run. Either may be nil to discard that stream.
type Sinks struct {
	OnStdout func([]byte)
	OnStderr func([]byte)
}

// Options configures one Run beyond the fixed defaults in spec.md §3/§6.
type Options struct {
	Store           *store.Store // nil creates a fresh in-memory store seeded per spec.md §6
	HeapBase        uint64       // 0 uses emulator.DefaultHeapBase
	MaxHeapBytes    uint64       // 0 uses emulator.HeapMax (spec.md §3's 16MiB reference ceiling)
	MaxInstructions uint64       // 0 is unbounded
	EntrySymbol     string       // "" defaults to "_start"
}

// Result is the consumer-facing outcome of one Run (spec.md §6): the
// emulator's run result plus the resolved source map, useful for
// annotating a GuestFault after the fact.
type Result struct {
	RunID      string
	ExitCode   int
	WallMS     int64
	Insns      uint64
	Registers  map[string]string
	SourceMap  []SourceMapEntry
	AssemblyIn string // the assembly text actually assembled, for diagnostics
}

// Run executes one program through the pipeline described in spec.md §2's
// flow diagram. If lang is LangC, source is first lowered to assembly by
// the C front end; if LangASM, source is assembled directly. ctx governs
// cooperative cancellation (spec.md §5): a cancelled context causes the
// next syscall or instruction boundary to short-circuit to exit(130).
func Run(ctx context.Context, lang Language, source string, sinks Sinks, opts Options) (*Result, error) {
	runID := uuid.NewString()
	log := glog.L
	if log != nil {
		log = log.WithCategory("orchestrator")
		log.Debug("run start", glog.Fn(string(lang)))
	}

	asmText, labels, err := frontend(lang, source)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", runID, err)
	}

	asmResult, err := asm.Assemble(asmText)
	if err != nil {
		return nil, fmt.Errorf("run %s: assemble: %w", runID, err)
	}

	entrySymbol := opts.EntrySymbol
	if entrySymbol == "" {
		entrySymbol = "_start"
	}
	img, err := elfwriter.Write(asmResult, entrySymbol)
	if err != nil {
		return nil, fmt.Errorf("run %s: link: %w", runID, err)
	}

	sourceMap := resolveSourceMap(asmResult, img, labels)

	emu, err := emulator.New()
	if err != nil {
		return nil, fmt.Errorf("run %s: create emulator: %w", runID, err)
	}
	defer emu.Close()

	loaded, err := emu.LoadELFBytes(img.Bytes)
	if err != nil {
		return nil, fmt.Errorf("run %s: load image: %w", runID, err)
	}

	st := opts.Store
	if st == nil {
		st = store.New("")
	}
	heapBase := opts.HeapBase
	if heapBase == 0 {
		heapBase = emulator.DefaultHeapBase
	}

	host := emulator.NewHost(emu, st, heapBase, sinks.OnStdout, sinks.OnStderr)
	host.SetMaxInstructions(opts.MaxInstructions)
	host.SetMaxHeapBytes(opts.MaxHeapBytes)

	runResult, err := host.Run(ctx, loaded.EntryVA)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", runID, annotateFault(err, sourceMap))
	}

	if log != nil {
		log.Debug("run done", glog.Fn(runID))
	}

	return &Result{
		RunID:      runID,
		ExitCode:   runResult.ExitCode,
		WallMS:     runResult.WallMS,
		Insns:      runResult.InstructionCount,
		Registers:  runResult.Registers,
		SourceMap:  sourceMap,
		AssemblyIn: asmText,
	}, nil
}

// frontend produces assembly text and (for C) the unresolved source map
// labels; ASM input passes straight through with no labels.
func frontend(lang Language, source string) (string, []cfront.LabelPos, error) {
	switch lang {
	case LangC:
		stmts, err := cfront.Parse(source)
		if err != nil {
			return "", nil, fmt.Errorf("c front end: %w", err)
		}
		asmText, labels, err := cfront.Compile(stmts)
		if err != nil {
			return "", nil, fmt.Errorf("c front end: %w", err)
		}
		return asmText, labels, nil
	case LangASM:
		return source, nil, nil
	default:
		return "", nil, fmt.Errorf("unsupported language %q", lang)
	}
}

// resolveSourceMap turns the C front end's (label, line, col) records into
// (virtual_address, line, col) by looking each label up in the assembled
// symbol table, per spec.md §4.E. The result is sorted by address —
// spec.md §8 requires the source map be strictly increasing.
func resolveSourceMap(res *asm.Result, img *elfwriter.Image, labels []cfront.LabelPos) []SourceMapEntry {
	if len(labels) == 0 {
		return nil
	}
	out := make([]SourceMapEntry, 0, len(labels))
	for _, l := range labels {
		sym, ok := res.Symtab.Lookup(l.Label)
		if !ok || sym.Section != asm.SecText {
			continue
		}
		out = append(out, SourceMapEntry{
			VA:   img.TextVA + uint64(sym.Offset),
			Line: l.Line,
			Col:  l.Col,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VA < out[j].VA })
	return out
}

// annotateFault performs the linear greatest-≤ search spec.md §4.E
// describes and attaches the matching source position to a GuestFault.
func annotateFault(err error, sourceMap []SourceMapEntry) error {
	fault, ok := err.(*emulator.GuestFault)
	if !ok || len(sourceMap) == 0 {
		return err
	}
	best := -1
	for i, e := range sourceMap {
		if e.VA <= fault.PC {
			best = i
		} else {
			break
		}
	}
	if best >= 0 {
		fault.Line = sourceMap[best].Line
		fault.Col = sourceMap[best].Col
	}
	return fault
}
