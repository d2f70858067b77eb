package cfront

// printfStubAsm implements the narrow printf contract from spec.md §4.E:
// a format string in %rdi and a single integer argument in %rsi. It scans
// the format string one byte at a time, writing each literal byte with its
// own write(1, &byte, 1) syscall; on '%' it consumes exactly one more byte
// and expands it only if that byte is 'd' (any other byte following '%' is
// dropped silently, emitting nothing). The %d case formats %rsi in decimal
// — including a leading '-' for negative values — into a scratch buffer and
// flushes it with a single write(1, buf, n) call, as required.
//
// r12 holds the format-string cursor, r13 the saved integer argument, r14
// a scratch pointer into the digit buffer, and rbx the sign flag; all four
// are callee-saved under the System V ABI and are pushed on entry and
// popped before return so a caller's live values survive the call.
//
// Labels here are plain identifiers, not the dotted GAS local-label form:
// this assembler's lexer treats a leading '.' as introducing a directive.
const printfStubAsm = `
__printf:
    pushq %r12
    pushq %r13
    pushq %r14
    pushq %rbx
    movq %rdi, %r12
    movq %rsi, %r13
Lpfloop:
    movzbq (%r12), %rax
    testq %rax, %rax
    je Lpfdone
    cmpq $37, %rax
    je Lpfpct
    movq $1, %rax
    movq $1, %rdi
    movq %r12, %rsi
    movq $1, %rdx
    syscall
    incq %r12
    jmp Lpfloop
Lpfpct:
    incq %r12
    movzbq (%r12), %rax
    incq %r12
    cmpq $100, %rax
    jne Lpfloop
    leaq __printf_buf(%rip), %r14
    addq $31, %r14
    movq %r13, %rax
    movq $0, %rbx
    testq %rax, %rax
    jge Lpfnonneg
    movq $1, %rbx
    negq %rax
Lpfnonneg:
    movq $10, %rcx
Lpfdigitloop:
    cqo
    idivq %rcx
    addq $48, %rdx
    movb %dl, (%r14)
    decq %r14
    testq %rax, %rax
    jne Lpfdigitloop
    testq %rbx, %rbx
    je Lpfnosign
    movb $45, (%r14)
    decq %r14
Lpfnosign:
    incq %r14
    leaq __printf_buf(%rip), %rax
    addq $32, %rax
    subq %r14, %rax
    movq %rax, %rdx
    movq $1, %rax
    movq $1, %rdi
    movq %r14, %rsi
    syscall
    jmp Lpfloop
Lpfdone:
    popq %rbx
    popq %r14
    popq %r13
    popq %r12
    movq $0, %rax
    ret
.bss
__printf_buf: .byte 0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0
.text
`
