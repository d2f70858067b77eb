// Command helixcore is the CLI front end for the HelixCore toolchain: it
// compiles/assembles a C or AT&T/GAS source file, links it into an ET_EXEC
// image, and runs the result on the x86-64 emulator, streaming stdout and
// reporting the guest's exit status.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/helixcore/vm/internal/asm"
	"github.com/helixcore/vm/internal/cfront"
	"github.com/helixcore/vm/internal/config"
	"github.com/helixcore/vm/internal/elfwriter"
	"github.com/helixcore/vm/internal/emulator"
	glog "github.com/helixcore/vm/internal/log"
	"github.com/helixcore/vm/internal/orchestrator"
	"github.com/helixcore/vm/internal/store"
	"github.com/helixcore/vm/internal/trace"
	"github.com/helixcore/vm/internal/ui/colorize"
)

var (
	verbose         bool
	quiet           bool
	lang            string
	stats           bool
	configPath      string
	maxInstructions uint64
	snapshotPath    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "helixcore <source-file>",
		Short: "Compile/assemble a C or AT&T/GAS program and run it on the x86-64 emulator",
		Long: `HelixCore takes a C subset or AT&T/GAS assembly source file, assembles and
links it into a bootable ET_EXEC ELF64 image, and runs it on an x86-64
user-mode emulator, streaming the guest's stdout/stderr back to the
terminal and reporting its exit status.

Examples:
  helixcore hello.c                  # compile and run a C source file
  helixcore hello.s --lang asm       # assemble and run AT&T/GAS source
  helixcore hello.c --stats          # print instruction count and wall time
  helixcore elf hello.c -o hello.elf # assemble without running`,
		Args:                  cobra.ExactArgs(1),
		DisableFlagsInUseLine: true,
		RunE:                  runProgram,
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose debug output (syscall/instruction trace)")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "quiet mode (stdout only, no banner/stats)")
	rootCmd.PersistentFlags().StringVarP(&lang, "lang", "l", "", `input language: "c" or "asm" (default: inferred from file extension)`)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "optional YAML scenario config (heap/step overrides, seeded files)")
	rootCmd.PersistentFlags().Uint64Var(&maxInstructions, "max-instructions", 0, "abort the guest after this many instructions (0 = unbounded)")
	rootCmd.PersistentFlags().StringVar(&snapshotPath, "store-snapshot", "", "path for the virtual file store's persistent snapshot")
	rootCmd.Flags().BoolVar(&stats, "stats", false, "print instruction count, wall time, and exit code after running (plus a register snapshot with --verbose)")

	elfCmd := &cobra.Command{
		Use:   "elf <source-file>",
		Short: "Assemble/compile a source file into an ET_EXEC image without running it",
		Args:  cobra.ExactArgs(1),
		RunE:  writeELF,
	}
	elfCmd.Flags().StringVarP(&outPath, "output", "o", "a.out", "output path for the ELF64 image")
	rootCmd.AddCommand(elfCmd)

	disasmCmd := &cobra.Command{
		Use:   "disasm <source-file>",
		Short: "Assemble/compile a source file and print its .text section disassembled",
		Args:  cobra.ExactArgs(1),
		RunE:  disasmProgram,
	}
	rootCmd.AddCommand(disasmCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, colorize.Error(err.Error()))
		os.Exit(1)
	}
}

var outPath string

// detectLang infers the input language from the --lang flag, falling back
// to the file extension (.c vs .s/.asm) per spec.md §4.F's
// (language, source_text) contract.
func detectLang(path string) (orchestrator.Language, error) {
	switch lang {
	case "c":
		return orchestrator.LangC, nil
	case "asm":
		return orchestrator.LangASM, nil
	case "":
		switch filepath.Ext(path) {
		case ".c":
			return orchestrator.LangC, nil
		case ".s", ".asm", ".S":
			return orchestrator.LangASM, nil
		default:
			return "", fmt.Errorf("cannot infer language from %q; pass --lang c|asm", path)
		}
	default:
		return "", fmt.Errorf("unknown --lang %q (want c or asm)", lang)
	}
}

func readSource(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}

func loadScenario() (*config.Run, error) {
	if configPath == "" {
		return nil, nil
	}
	return config.Load(configPath)
}

// outputWriter buffers stdout writes on a channel drained by a ticker, the
// same streaming-output-writer pattern the teacher's cmd/galago/main.go
// uses so an interactive run never blocks on terminal I/O mid-syscall.
type outputWriter struct {
	ch     chan []byte
	done   chan struct{}
	writer *bufio.Writer
}

func newOutputWriter(w *os.File) *outputWriter {
	ow := &outputWriter{
		ch:     make(chan []byte, 256),
		done:   make(chan struct{}),
		writer: bufio.NewWriterSize(w, 64*1024),
	}
	go ow.run()
	return ow
}

func (w *outputWriter) run() {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case b, ok := <-w.ch:
			if !ok {
				w.writer.Flush()
				close(w.done)
				return
			}
			w.writer.Write(b)
		case <-ticker.C:
			w.writer.Flush()
		}
	}
}

func (w *outputWriter) Write(b []byte) {
	cp := make([]byte, len(b))
	copy(cp, b)
	select {
	case w.ch <- cp:
	default:
		// Backpressure from a full channel is dropped rather than
		// blocking the guest's write syscall; interactive runs favor
		// liveness over lossless output under extreme flooding.
	}
}

func (w *outputWriter) Close() {
	close(w.ch)
	<-w.done
}

// installSyscallTrace wires the logger's syscall callback to print one
// colorized line per handled syscall in --verbose mode, tagging memory
// syscalls (brk/mmap) via trace.DefaultEnricher the way the teacher's
// trace collector tags heap-management ARM64 calls.
func installSyscallTrace() {
	glog.L.SetOnSyscall(func(pc uint64, name, detail string) {
		e := trace.NewEvent(pc, string(trace.Syscall), name, detail)
		trace.DefaultEnricher(e)
		tags := e.Tags.Strings()
		fmt.Printf("  %s %s %s %s\n",
			colorize.Address(pc),
			colorize.FuncName(name),
			colorize.Detail(detail),
			colorize.Tag(strings.Join(tags, " ")))
	})
}

func runProgram(cmd *cobra.Command, args []string) error {
	glog.Init(verbose)
	if verbose {
		installSyscallTrace()
	}
	path := args[0]

	language, err := detectLang(path)
	if err != nil {
		return err
	}
	source, err := readSource(path)
	if err != nil {
		return err
	}
	scenario, err := loadScenario()
	if err != nil {
		return err
	}

	st := store.New(snapshotPath)
	if scenario != nil {
		for _, seed := range scenario.Seed {
			st.Write(seed.Path, []byte(seed.Content))
		}
	}

	stepLimit := maxInstructions
	if stepLimit == 0 {
		stepLimit = scenario.MaxInstructionsOrDefault()
	}
	heapBase := scenario.HeapBaseOrDefault()
	var maxHeapBytes uint64
	if scenario != nil {
		maxHeapBytes = scenario.MaxHeapBytes
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		if _, ok := <-sigCh; ok {
			cancel()
		}
	}()
	defer signal.Stop(sigCh)

	stdout := newOutputWriter(os.Stdout)
	stderr := newOutputWriter(os.Stderr)

	if !quiet {
		printBanner(path, language)
	}

	res, runErr := orchestrator.Run(ctx, language, source, orchestrator.Sinks{
		OnStdout: func(b []byte) {
			if stdout != nil {
				stdout.Write(b)
			}
		},
		OnStderr: func(b []byte) { stderr.Write(b) },
	}, orchestrator.Options{
		Store:           st,
		HeapBase:        heapBase,
		MaxHeapBytes:    maxHeapBytes,
		MaxInstructions: stepLimit,
	})

	if stdout != nil {
		stdout.Close()
	}
	stderr.Close()

	if runErr != nil {
		return runErr
	}

	if !quiet && (stats || verbose) {
		printStats(res)
	}
	if res.ExitCode != 0 {
		os.Exit(res.ExitCode)
	}
	return nil
}

func printBanner(path string, language orchestrator.Language) {
	fmt.Println()
	fmt.Printf("%s helixcore\n", colorize.Header("▶"))
	fmt.Printf("  %s %s\n", colorize.Detail("Source:"), path)
	fmt.Printf("  %s %s\n", colorize.Detail("Language:"), colorize.FuncName(string(language)))
	fmt.Println()
}

func printStats(res *orchestrator.Result) {
	fmt.Println()
	fmt.Print(colorize.Border("───────────────────────────────────────── "))
	fmt.Printf("%s insn  %s ms  exit=%s\n",
		colorize.FuncName(fmt.Sprintf("%d", res.Insns)),
		colorize.FuncName(fmt.Sprintf("%d", res.WallMS)),
		colorize.FuncName(fmt.Sprintf("%d", res.ExitCode)))
	if verbose {
		names := []string{"rax", "rbx", "rcx", "rdx", "rsi", "rdi", "rsp", "rbp", "rip"}
		for _, n := range names {
			fmt.Printf("  %s=%s", n, colorize.Address(hexToU64(res.Registers[n])))
		}
		fmt.Println()
	}
}

func hexToU64(s string) uint64 {
	var v uint64
	fmt.Sscanf(strings.TrimPrefix(s, "0x"), "%x", &v)
	return v
}

// assembleOnly runs the front end (for C) and the assembler, returning the
// linked image without executing it — shared by the elf and disasm
// subcommands.
func assembleOnly(path string) (*elfwriter.Image, *asm.Result, error) {
	language, err := detectLang(path)
	if err != nil {
		return nil, nil, err
	}
	source, err := readSource(path)
	if err != nil {
		return nil, nil, err
	}

	asmText := source
	if language == orchestrator.LangC {
		stmts, err := cfront.Parse(source)
		if err != nil {
			return nil, nil, fmt.Errorf("c front end: %w", err)
		}
		asmText, _, err = cfront.Compile(stmts)
		if err != nil {
			return nil, nil, fmt.Errorf("c front end: %w", err)
		}
	}

	res, err := asm.Assemble(asmText)
	if err != nil {
		return nil, nil, fmt.Errorf("assemble: %w", err)
	}
	img, err := elfwriter.Write(res, "_start")
	if err != nil {
		return nil, nil, fmt.Errorf("link: %w", err)
	}
	return img, res, nil
}

func writeELF(cmd *cobra.Command, args []string) error {
	img, _, err := assembleOnly(args[0])
	if err != nil {
		return err
	}
	if err := os.WriteFile(outPath, img.Bytes, 0o755); err != nil {
		return fmt.Errorf("write %s: %w", outPath, err)
	}
	fmt.Printf("wrote %s (%d bytes, entry=%s)\n", outPath, len(img.Bytes), colorize.Address(img.EntryVA))
	return nil
}

func disasmProgram(cmd *cobra.Command, args []string) error {
	img, res, err := assembleOnly(args[0])
	if err != nil {
		return err
	}
	text := res.Sections[asm.SecText]

	off := 0
	for off < len(text.Bytes) {
		addr := img.TextVA + uint64(off)
		chunk := text.Bytes[off:]
		if len(chunk) > 15 {
			chunk = chunk[:15]
		}
		disasmText, length := emulator.DisasmOne(chunk, addr)
		if length <= 0 {
			length = 1
		}
		fmt.Printf("%s  %s\n", colorize.Address(addr), colorize.Instruction(disasmText))
		off += length
	}
	return nil
}
