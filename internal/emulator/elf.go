package emulator

import (
	"encoding/binary"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// LoadedImage is the subset of the ET_EXEC layout (spec.md §6) the
// emulator needs to map and boot a program: a single PT_LOAD segment's
// virtual address, in-file bytes, and total memory size (file size plus
// .bss), plus the entry point.
type LoadedImage struct {
	EntryVA uint64
	VAddr   uint64
	MemSize uint64
}

// ParseELFHeader reads the fields of the bit-exact ET_EXEC layout spec.md
// §6 mandates: the ELF magic/class/machine checks, e_entry, and the single
// PT_LOAD program header's p_vaddr/p_filesz/p_memsz. It does not depend on
// internal/elfwriter — any producer emitting the documented layout works.
func ParseELFHeader(data []byte) (*LoadedImage, int, error) {
	if len(data) < 120 {
		return nil, 0, &HostUnsupportedError{Reason: "file too short to be an ELF64 header+phdr"}
	}
	wantMagic := []byte{0x7F, 0x45, 0x4C, 0x46, 0x02, 0x01, 0x01, 0x00}
	for i, b := range wantMagic {
		if data[i] != b {
			return nil, 0, &HostUnsupportedError{Reason: "not an ELF64 little-endian image"}
		}
	}
	if et := binary.LittleEndian.Uint16(data[16:18]); et != 0x0002 {
		return nil, 0, &HostUnsupportedError{Reason: "not ET_EXEC"}
	}
	if machine := binary.LittleEndian.Uint16(data[18:20]); machine != 0x003E {
		return nil, 0, &HostUnsupportedError{Reason: "not EM_X86_64"}
	}

	entry := binary.LittleEndian.Uint64(data[24:32])
	phoff := binary.LittleEndian.Uint64(data[32:40])
	phdr := data[phoff : phoff+56]

	vaddr := binary.LittleEndian.Uint64(phdr[16:24])
	filesz := binary.LittleEndian.Uint64(phdr[32:40])
	memsz := binary.LittleEndian.Uint64(phdr[40:48])

	return &LoadedImage{EntryVA: entry, VAddr: vaddr, MemSize: memsz}, int(filesz), nil
}

// LoadELFBytes maps an ET_EXEC image's single PT_LOAD segment at its
// virtual address, writes the file contents, and leaves the remainder
// (the .bss tail) zero-initialized by Unicorn's fresh-page guarantee.
func (e *Emulator) LoadELFBytes(data []byte) (*LoadedImage, error) {
	img, filesz, err := ParseELFHeader(data)
	if err != nil {
		return nil, err
	}

	base := img.VAddr &^ (pageSize - 1)
	end := alignUp(img.VAddr+img.MemSize, pageSize)
	if err := e.mu.MemMap(base, end-base); err != nil {
		return nil, err
	}
	if err := e.mu.MemWrite(img.VAddr, data[:filesz]); err != nil {
		return nil, err
	}
	return img, nil
}

// Unicorn memory protection bits, re-exported so callers don't need to
// import the unicorn package directly for mmap/mprotect flags.
const (
	ProtNone  = uc.PROT_NONE
	ProtRead  = uc.PROT_READ
	ProtWrite = uc.PROT_WRITE
	ProtExec  = uc.PROT_EXEC
	ProtAll   = uc.PROT_ALL
)
