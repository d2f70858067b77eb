package cfront

import (
	"context"
	"testing"

	"github.com/helixcore/vm/internal/asm"
	"github.com/helixcore/vm/internal/elfwriter"
	"github.com/helixcore/vm/internal/emulator"
	"github.com/helixcore/vm/internal/store"
)

func compileAndRun(t *testing.T, src string) (*emulator.RunResult, []byte) {
	t.Helper()
	stmts, err := Parse(src)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	asmText, _, err := Compile(stmts)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	res, err := asm.Assemble(asmText)
	if err != nil {
		t.Fatalf("assemble generated code:\n%s\nerror: %v", asmText, err)
	}
	img, err := elfwriter.Write(res, "_start")
	if err != nil {
		t.Fatalf("write elf: %v", err)
	}

	emu, err := emulator.New()
	if err != nil {
		t.Fatalf("new emulator: %v", err)
	}
	defer emu.Close()

	loaded, err := emu.LoadELFBytes(img.Bytes)
	if err != nil {
		t.Fatalf("load elf: %v", err)
	}

	var stdout []byte
	h := emulator.NewHost(emu, store.New(""), emulator.DefaultHeapBase, func(b []byte) { stdout = append(stdout, b...) }, nil)
	result, err := h.Run(context.Background(), loaded.EntryVA)
	if err != nil {
		t.Fatalf("run:\n%s\nerror: %v", asmText, err)
	}
	return result, stdout
}

func TestCompileReturnLiteral(t *testing.T) {
	result, _ := compileAndRun(t, `int main() { return 42; }`)
	if result.ExitCode != 42 {
		t.Fatalf("exit code = %d, want 42", result.ExitCode)
	}
}

func TestCompileArithmeticPrecedence(t *testing.T) {
	result, _ := compileAndRun(t, `
		int main() {
			return 2 + 3 * 4;
		}
	`)
	if result.ExitCode != 14 {
		t.Fatalf("exit code = %d, want 14", result.ExitCode)
	}
}

func TestCompileIfElse(t *testing.T) {
	result, _ := compileAndRun(t, `
		int main() {
			int x = 5;
			if (x < 10) {
				return 1;
			} else {
				return 0;
			}
		}
	`)
	if result.ExitCode != 1 {
		t.Fatalf("exit code = %d, want 1", result.ExitCode)
	}
}

func TestCompileWhileLoop(t *testing.T) {
	result, _ := compileAndRun(t, `
		int main() {
			int i = 0;
			int sum = 0;
			while (i < 5) {
				sum = sum + i;
				i = i + 1;
			}
			return sum;
		}
	`)
	if result.ExitCode != 10 {
		t.Fatalf("exit code = %d, want 10", result.ExitCode)
	}
}

func TestCompileDivisionAndComparison(t *testing.T) {
	result, _ := compileAndRun(t, `
		int main() {
			int x = 17;
			return x / 5 == 3;
		}
	`)
	if result.ExitCode != 1 {
		t.Fatalf("exit code = %d, want 1", result.ExitCode)
	}
}

func TestCompilePrintfLiteral(t *testing.T) {
	_, stdout := compileAndRun(t, `
		int main() {
			printf("hi\n");
			return 0;
		}
	`)
	if string(stdout) != "hi\n" {
		t.Fatalf("stdout = %q, want %q", stdout, "hi\n")
	}
}

func TestCompilePrintfPositiveDecimal(t *testing.T) {
	_, stdout := compileAndRun(t, `
		int main() {
			printf("n=%d", 123);
			return 0;
		}
	`)
	if string(stdout) != "n=123" {
		t.Fatalf("stdout = %q, want %q", stdout, "n=123")
	}
}

func TestCompilePrintfNegativeDecimal(t *testing.T) {
	_, stdout := compileAndRun(t, `
		int main() {
			int x = 0;
			int y = 5;
			printf("%d", x - y);
			return 0;
		}
	`)
	if string(stdout) != "-5" {
		t.Fatalf("stdout = %q, want %q", stdout, "-5")
	}
}

func TestCompilePrintfDropsUnknownConversion(t *testing.T) {
	_, stdout := compileAndRun(t, `
		int main() {
			printf("a%sb");
			return 0;
		}
	`)
	if string(stdout) != "ab" {
		t.Fatalf("stdout = %q, want %q", stdout, "ab")
	}
}

func TestCompileBareDeclarationsOmittedFromSourceMap(t *testing.T) {
	stmts, err := Parse(`
		int a;
		int b;
		return a + b;
	`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	_, sourceMap, err := Compile(stmts)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	for i := 1; i < len(sourceMap); i++ {
		if sourceMap[i].Label == sourceMap[i-1].Label {
			t.Fatalf("duplicate source map label %q at index %d", sourceMap[i].Label, i)
		}
	}
	// "int a;" and "int b;" emit no code, so only "return a + b;" should
	// produce a source-map entry.
	if len(sourceMap) != 1 {
		t.Fatalf("source map entries = %d, want 1 (bare declarations emit no code): %+v", len(sourceMap), sourceMap)
	}
}

func TestCompileNonZeroExitViaReturn(t *testing.T) {
	result, _ := compileAndRun(t, `
		int main() {
			int i = 0;
			while (i < 3) {
				i = i + 1;
			}
			return i + 100;
		}
	`)
	if result.ExitCode != 103 {
		t.Fatalf("exit code = %d, want 103", result.ExitCode)
	}
}
