package cfront

import "testing"

func TestParseSimpleReturn(t *testing.T) {
	stmts, err := Parse(`int main() { return 42; }`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	// The function header produces nothing; its body is one block statement.
	if len(stmts) != 1 || stmts[0].Kind != NodeBlock || len(stmts[0].Stmts) != 1 || stmts[0].Stmts[0].Kind != NodeReturn {
		t.Fatalf("expected a block holding a single return statement, got %+v", stmts)
	}
	ret := stmts[0].Stmts[0]
	if ret.Expr.Kind != NodeNum || ret.Expr.IntVal != 42 {
		t.Fatalf("expected return 42, got %+v", ret.Expr)
	}
}

func TestParseDeclAndArithmetic(t *testing.T) {
	stmts, err := Parse(`
		int x = 2;
		int y = 3;
		return x + y * 4;
	`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(stmts) != 3 {
		t.Fatalf("expected 3 statements, got %d", len(stmts))
	}
	if !stmts[0].IsDecl || stmts[0].Name != "x" {
		t.Fatalf("expected decl of x, got %+v", stmts[0])
	}
	ret := stmts[2]
	if ret.Kind != NodeReturn || ret.Expr.Kind != NodeBinary || ret.Expr.Op != "+" {
		t.Fatalf("expected top-level +, got %+v", ret.Expr)
	}
	rhs := ret.Expr.Rhs
	if rhs.Kind != NodeBinary || rhs.Op != "*" {
		t.Fatalf("expected * to bind tighter than +, got %+v", rhs)
	}
}

func TestParseIfElse(t *testing.T) {
	stmts, err := Parse(`
		int x = 1;
		if (x < 2) {
			x = 10;
		} else {
			x = 20;
		}
	`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ifNode := stmts[1]
	if ifNode.Kind != NodeIf || ifNode.Cond.Op != "<" {
		t.Fatalf("expected if with < condition, got %+v", ifNode)
	}
	if ifNode.Then == nil || ifNode.Else == nil {
		t.Fatalf("expected both branches present")
	}
}

func TestParseWhile(t *testing.T) {
	stmts, err := Parse(`
		int i = 0;
		while (i < 10) {
			i = i + 1;
		}
	`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if stmts[1].Kind != NodeWhile || stmts[1].Cond.Op != "<" {
		t.Fatalf("expected while with < condition, got %+v", stmts[1])
	}
}

func TestParsePrintfCall(t *testing.T) {
	stmts, err := Parse(`
		printf("value: %d", 7);
	`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if stmts[0].Kind != NodeCall || stmts[0].Name != "printf" {
		t.Fatalf("expected a printf call, got %+v", stmts[0])
	}
	if len(stmts[0].Args) != 2 || stmts[0].Args[0].Kind != NodeStr {
		t.Fatalf("expected (format, int) args, got %+v", stmts[0].Args)
	}
}

func TestParseUnaryMinusLowersToSubtraction(t *testing.T) {
	stmts, err := Parse(`return -5;`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	expr := stmts[0].Expr
	if expr.Kind != NodeBinary || expr.Op != "-" || expr.Lhs.IntVal != 0 || expr.Rhs.IntVal != 5 {
		t.Fatalf("expected 0 - 5 lowering, got %+v", expr)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := Parse(`int x = ;`); err == nil {
		t.Fatalf("expected a syntax error for a missing expression")
	}
}
