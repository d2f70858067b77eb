// Package elfwriter assembles a bit-exact ET_EXEC ELF64 image from the
// section buffers, symbol table, and relocation records produced by
// internal/asm, and performs pass-two relocation resolution.
package elfwriter

import (
	"encoding/binary"
	"fmt"

	"github.com/helixcore/vm/internal/asm"
)

const (
	baseVA     = 0x400000
	headerSize = 120 // 64-byte ELF header + 56-byte single program header
	entryBase  = baseVA + headerSize
)

// Image is an assembled ELF64 image plus the bookkeeping the emulator host
// adapter needs to seed memory and find the entry point.
type Image struct {
	Bytes      []byte
	EntryVA    uint64
	TextVA     uint64
	DataVA     uint64
	BSSVA      uint64
	TextLen    int
	DataLen    int
	BSSLen     int
}

// Write lays out the three sections at their fixed virtual addresses,
// resolves every relocation in result.Relocs, and serializes the final
// ELF64 ET_EXEC image (spec.md §4.C, §6). entrySymbol names the program's
// entry point symbol; it must resolve to an offset within .text.
func Write(result *asm.Result, entrySymbol string) (*Image, error) {
	text := result.Sections[asm.SecText]
	data := result.Sections[asm.SecData]
	bss := result.Sections[asm.SecBSS]

	if text == nil || len(text.Bytes) == 0 {
		return nil, &asm.UndefinedSymbolError{Symbol: entrySymbol}
	}

	entrySym, ok := result.Symtab.All()[entrySymbol]
	if !ok || entrySym.Section != asm.SecText {
		return nil, &asm.UndefinedSymbolError{Symbol: entrySymbol}
	}

	textVA := uint64(entryBase)
	dataVA := textVA + uint64(len(text.Bytes))
	bssVA := dataVA + uint64(len(data.Bytes))

	sectionVA := map[asm.SectionName]uint64{
		asm.SecText: textVA,
		asm.SecData: dataVA,
		asm.SecBSS:  bssVA,
	}

	if err := resolveRelocations(result, sectionVA); err != nil {
		return nil, err
	}

	fileSize := headerSize + len(text.Bytes) + len(data.Bytes)
	memSize := fileSize + bss.Length

	buf := make([]byte, fileSize)
	writeELFHeader(buf, textVA+uint64(entrySym.Offset))
	writePhdr(buf, uint32(fileSize), uint32(memSize))
	copy(buf[headerSize:], text.Bytes)
	copy(buf[headerSize+len(text.Bytes):], data.Bytes)

	return &Image{
		Bytes:   buf,
		EntryVA: textVA + uint64(entrySym.Offset),
		TextVA:  textVA,
		DataVA:  dataVA,
		BSSVA:   bssVA,
		TextLen: len(text.Bytes),
		DataLen: len(data.Bytes),
		BSSLen:  bss.Length,
	}, nil
}

func writeELFHeader(buf []byte, entryVA uint64) {
	copy(buf[0:16], []byte{0x7F, 0x45, 0x4C, 0x46, 0x02, 0x01, 0x01, 0x00, 0, 0, 0, 0, 0, 0, 0, 0})
	binary.LittleEndian.PutUint16(buf[16:18], 0x0002) // ET_EXEC
	binary.LittleEndian.PutUint16(buf[18:20], 0x003E) // EM_X86_64
	binary.LittleEndian.PutUint32(buf[20:24], 1)       // e_version
	binary.LittleEndian.PutUint64(buf[24:32], entryVA) // e_entry
	binary.LittleEndian.PutUint64(buf[32:40], 0x40)    // e_phoff
	binary.LittleEndian.PutUint64(buf[40:48], 0)       // e_shoff
	binary.LittleEndian.PutUint32(buf[48:52], 0)       // e_flags
	binary.LittleEndian.PutUint16(buf[52:54], 64)      // e_ehsize
	binary.LittleEndian.PutUint16(buf[54:56], 56)      // e_phentsize
	binary.LittleEndian.PutUint16(buf[56:58], 1)       // e_phnum
	binary.LittleEndian.PutUint16(buf[58:60], 64)      // e_shentsize
	binary.LittleEndian.PutUint16(buf[60:62], 0)       // e_shnum
	binary.LittleEndian.PutUint16(buf[62:64], 0)       // e_shstrndx
}

func writePhdr(buf []byte, filesz, memsz uint32) {
	p := buf[64:120]
	binary.LittleEndian.PutUint32(p[0:4], 1)          // p_type PT_LOAD
	binary.LittleEndian.PutUint32(p[4:8], 7)          // p_flags R|W|X
	binary.LittleEndian.PutUint64(p[8:16], 0)         // p_offset
	binary.LittleEndian.PutUint64(p[16:24], baseVA)   // p_vaddr
	binary.LittleEndian.PutUint64(p[24:32], baseVA)   // p_paddr
	binary.LittleEndian.PutUint64(p[32:40], uint64(filesz))
	binary.LittleEndian.PutUint64(p[40:48], uint64(memsz))
	binary.LittleEndian.PutUint64(p[48:56], 0x1000) // p_align
}

// resolveRelocations patches every relocation whose target symbol resolves
// to a known section directly into the section byte buffers (spec.md
// §4.C). Relocations targeting an unresolved symbol are silently skipped
// and their placeholder bytes stay zero; neither this writer nor the
// assembler reports them as errors.
func resolveRelocations(result *asm.Result, sectionVA map[asm.SectionName]uint64) error {
	for _, rel := range result.Relocs {
		sym, ok := result.Symtab.All()[rel.TargetSymbol]
		if !ok {
			continue
		}
		targetVA, ok := sectionVA[sym.Section]
		if !ok {
			continue
		}

		var value int64
		if rel.PCRelative {
			sourceVA, ok := sectionVA[rel.SourceSection]
			if !ok {
				continue
			}
			value = int64(targetVA) + int64(sym.Offset) + rel.Addend -
				(int64(sourceVA) + int64(rel.PatchOffset) + 4)
		} else {
			value = int64(targetVA) + int64(sym.Offset) + rel.Addend
		}

		sec := result.Sections[rel.SourceSection]
		if err := patch(sec, rel, value); err != nil {
			return err
		}
	}
	return nil
}

func patch(sec *asm.Section, rel asm.Relocation, value int64) error {
	switch rel.Size {
	case 4:
		if value < -(1<<31) || value > (1<<31)-1 {
			return &RelocationOverflowError{Symbol: rel.TargetSymbol, Value: value}
		}
		binary.LittleEndian.PutUint32(sec.Bytes[rel.PatchOffset:], uint32(int32(value)))
	case 8:
		binary.LittleEndian.PutUint64(sec.Bytes[rel.PatchOffset:], uint64(value))
	default:
		return fmt.Errorf("unsupported relocation size %d", rel.Size)
	}
	return nil
}

// RelocationOverflowError reports a 4-byte patch whose computed value does
// not fit a signed 32-bit integer (spec.md §7).
type RelocationOverflowError struct {
	Symbol string
	Value  int64
}

func (e *RelocationOverflowError) Error() string {
	return fmt.Sprintf("relocation overflow: %s computes to %d, does not fit signed 32-bit", e.Symbol, e.Value)
}
