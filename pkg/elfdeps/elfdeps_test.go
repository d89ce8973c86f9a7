package elfdeps

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// elfSpec describes a synthetic ELF64 little-endian file to build for a
// test: a root binary or one of its dependencies.
type elfSpec struct {
	machine elf.Machine
	class   elf.Class // ELFCLASS64 unless testing a mismatch
	interp  string    // PT_INTERP target, "" for none
	needed  []string
	rpath   string
	runpath string
}

// buildELF64 renders spec as raw bytes: ELF header, program headers (an
// optional PT_INTERP and, if any dynamic info is requested, a PT_DYNAMIC),
// then the interp string, the .dynstr table, the .dynamic entry array, and
// finally the section headers (NULL, plus .dynstr and .dynamic when dynamic
// info is requested) with shstrndx=0 so debug/elf skips section name
// resolution entirely.
func buildELF64(t *testing.T, spec elfSpec) []byte {
	t.Helper()
	class := spec.class
	if class == 0 {
		class = elf.ELFCLASS64
	}

	hasDynamic := len(spec.needed) > 0 || spec.rpath != "" || spec.runpath != ""

	var interpBlob []byte
	if spec.interp != "" {
		interpBlob = append([]byte(spec.interp), 0)
	}

	// .dynstr: conventional leading NUL, then each referenced string.
	dynstr := []byte{0}
	strOff := make(map[string]uint64)
	addStr := func(s string) uint64 {
		if off, ok := strOff[s]; ok {
			return off
		}
		off := uint64(len(dynstr))
		dynstr = append(dynstr, append([]byte(s), 0)...)
		strOff[s] = off
		return off
	}

	var dynEntries []elf.Dyn64
	if hasDynamic {
		for _, n := range spec.needed {
			dynEntries = append(dynEntries, elf.Dyn64{Tag: int64(elf.DT_NEEDED), Val: addStr(n)})
		}
		if spec.rpath != "" {
			dynEntries = append(dynEntries, elf.Dyn64{Tag: int64(elf.DT_RPATH), Val: addStr(spec.rpath)})
		}
		if spec.runpath != "" {
			dynEntries = append(dynEntries, elf.Dyn64{Tag: int64(elf.DT_RUNPATH), Val: addStr(spec.runpath)})
		}
		dynEntries = append(dynEntries, elf.Dyn64{Tag: int64(elf.DT_NULL), Val: 0})
	}

	var dynBuf bytes.Buffer
	for _, d := range dynEntries {
		binary.Write(&dynBuf, binary.LittleEndian, d)
	}

	const ehdrSize = 64
	const phdrSize = 56 // 2*4 + 6*8
	const shdrSize = 64 // 4*4 + 6*8

	var phdrs []elf.Prog64
	off := int64(ehdrSize)

	nPhdrs := 0
	if spec.interp != "" {
		nPhdrs++
	}
	if hasDynamic {
		nPhdrs++
	}
	off += int64(nPhdrs) * phdrSize

	var interpOff int64
	if spec.interp != "" {
		interpOff = off
		phdrs = append(phdrs, elf.Prog64{
			Type: uint32(elf.PT_INTERP), Off: uint64(interpOff), Filesz: uint64(len(interpBlob)),
		})
		off += int64(len(interpBlob))
	}

	var dynstrOff, dynArrOff int64
	if hasDynamic {
		dynstrOff = off
		off += int64(len(dynstr))
		dynArrOff = off
		off += int64(dynBuf.Len())
		phdrs = append(phdrs, elf.Prog64{
			Type: uint32(elf.PT_DYNAMIC), Off: uint64(dynArrOff), Filesz: uint64(dynBuf.Len()),
		})
	}

	shoff := off
	nSections := 1 // NULL
	if hasDynamic {
		nSections = 3 // NULL, .dynstr, .dynamic
	}

	var buf bytes.Buffer

	var ident [elf.EI_NIDENT]byte
	ident[0], ident[1], ident[2], ident[3] = '\x7f', 'E', 'L', 'F'
	ident[elf.EI_CLASS] = byte(class)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	ident[elf.EI_OSABI] = byte(elf.ELFOSABI_NONE)

	hdr := elf.Header64{
		Ident:     ident,
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(spec.machine),
		Version:   uint32(elf.EV_CURRENT),
		Phoff:     uint64(ehdrSize),
		Shoff:     uint64(shoff),
		Ehsize:    ehdrSize,
		Phentsize: phdrSize,
		Phnum:     uint16(nPhdrs),
		Shentsize: shdrSize,
		Shnum:     uint16(nSections),
		Shstrndx:  0,
	}
	binary.Write(&buf, binary.LittleEndian, hdr)

	for _, p := range phdrs {
		binary.Write(&buf, binary.LittleEndian, p)
	}
	if spec.interp != "" {
		buf.Write(interpBlob)
	}
	if hasDynamic {
		buf.Write(dynstr)
		buf.Write(dynBuf.Bytes())
	}

	// section 0: SHT_NULL, all zero.
	binary.Write(&buf, binary.LittleEndian, elf.Section64{})
	if hasDynamic {
		binary.Write(&buf, binary.LittleEndian, elf.Section64{
			Type: uint32(elf.SHT_STRTAB),
			Off:  uint64(dynstrOff),
			Size: uint64(len(dynstr)),
		})
		binary.Write(&buf, binary.LittleEndian, elf.Section64{
			Type: uint32(elf.SHT_DYNAMIC),
			Off:  uint64(dynArrOff),
			Size: uint64(dynBuf.Len()),
			Link: 1,
		})
	}

	return buf.Bytes()
}

func writeELF(t *testing.T, dir, name string, spec elfSpec) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, buildELF64(t, spec), 0755); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestStaticBinaryResolvesToEmptySet(t *testing.T) {
	dir := t.TempDir()
	root := writeELF(t, dir, "static", elfSpec{machine: elf.EM_X86_64})

	res, err := Resolve(root, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Deps) != 0 {
		t.Fatalf("static binary: got %d deps, want 0", len(res.Deps))
	}
	if res.Interp != "" {
		t.Fatalf("static binary: got interp %q, want none", res.Interp)
	}
}

func TestDynamicBinaryResolvesNeeded(t *testing.T) {
	dir := t.TempDir()
	writeELF(t, dir, "libfoo.so", elfSpec{machine: elf.EM_X86_64})
	root := writeELF(t, dir, "prog", elfSpec{machine: elf.EM_X86_64, needed: []string{"libfoo.so"}})

	res, err := Resolve(root, Options{LibraryPath: []string{dir}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Deps) != 1 || res.Deps[0].Soname != "libfoo.so" {
		t.Fatalf("got deps %+v, want [libfoo.so]", res.Deps)
	}
	if res.Deps[0].Path != filepath.Join(dir, "libfoo.so") {
		t.Fatalf("got path %q, want %q", res.Deps[0].Path, filepath.Join(dir, "libfoo.so"))
	}
	if len(res.Unresolved) != 0 {
		t.Fatalf("unexpected unresolved: %v", res.Unresolved)
	}
}

func TestTransitiveDependencyIsWalked(t *testing.T) {
	dir := t.TempDir()
	writeELF(t, dir, "libbaz.so", elfSpec{machine: elf.EM_X86_64})
	writeELF(t, dir, "libbar.so", elfSpec{machine: elf.EM_X86_64, needed: []string{"libbaz.so"}})
	root := writeELF(t, dir, "prog", elfSpec{machine: elf.EM_X86_64, needed: []string{"libbar.so"}})

	res, err := Resolve(root, Options{LibraryPath: []string{dir}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Deps) != 2 {
		t.Fatalf("got %d deps, want 2 (libbar.so, libbaz.so): %+v", len(res.Deps), res.Deps)
	}
	if res.Deps[0].Soname != "libbar.so" || res.Deps[1].Soname != "libbaz.so" {
		t.Fatalf("got order %+v, want libbar.so before libbaz.so", res.Deps)
	}
}

func TestUnresolvedSonameIsWarnedNotFailed(t *testing.T) {
	dir := t.TempDir()
	root := writeELF(t, dir, "prog", elfSpec{machine: elf.EM_X86_64, needed: []string{"libmissing.so"}})

	res, err := Resolve(root, Options{LibraryPath: []string{dir}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Deps) != 0 {
		t.Fatalf("got deps %+v, want none", res.Deps)
	}
	if len(res.Unresolved) != 1 || res.Unresolved[0] != "libmissing.so" {
		t.Fatalf("got unresolved %v, want [libmissing.so]", res.Unresolved)
	}
}

func TestInterpIsResolvedLikeADependency(t *testing.T) {
	dir := t.TempDir()
	interp := writeELF(t, dir, "ld-linux-x86-64.so.2", elfSpec{machine: elf.EM_X86_64})
	root := writeELF(t, dir, "prog", elfSpec{machine: elf.EM_X86_64, interp: interp})

	res, err := Resolve(root, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Interp != interp {
		t.Fatalf("got interp %q, want %q", res.Interp, interp)
	}
}

func TestArchitectureMismatchIsSkippedNotFatal(t *testing.T) {
	dir := t.TempDir()
	// wrong-architecture candidate sits first in the search order; it must
	// be rejected and the search must continue.
	writeELF(t, dir, "libfoo.so", elfSpec{machine: elf.EM_AARCH64})
	root := writeELF(t, dir, "prog", elfSpec{machine: elf.EM_X86_64, needed: []string{"libfoo.so"}})

	res, err := Resolve(root, Options{LibraryPath: []string{dir}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Deps) != 0 {
		t.Fatalf("got deps %+v, want none (arch mismatch)", res.Deps)
	}
	if len(res.Unresolved) != 1 || res.Unresolved[0] != "libfoo.so" {
		t.Fatalf("got unresolved %v, want [libfoo.so]", res.Unresolved)
	}
}

func TestOriginSubstitutionInRpath(t *testing.T) {
	dir := t.TempDir()
	libdir := filepath.Join(dir, "lib")
	if err := os.Mkdir(libdir, 0755); err != nil {
		t.Fatal(err)
	}
	writeELF(t, libdir, "libfoo.so", elfSpec{machine: elf.EM_X86_64})
	root := writeELF(t, dir, "prog", elfSpec{machine: elf.EM_X86_64, needed: []string{"libfoo.so"}, rpath: "$ORIGIN/lib"})

	res, err := Resolve(root, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Deps) != 1 || res.Deps[0].Path != filepath.Join(libdir, "libfoo.so") {
		t.Fatalf("got deps %+v, want libfoo.so resolved via $ORIGIN/lib", res.Deps)
	}
}

func TestRpathIgnoredWhenRunpathPresent(t *testing.T) {
	// When DT_RUNPATH is present, DT_RPATH must not be consulted: ld.so
	// semantics. Here rpath points at a directory with an acceptable
	// duplicate and runpath at the real one; since runpath is present,
	// rpath is skipped, so the resolved candidate is the one under runpath.
	dir := t.TempDir()
	rpathdir := filepath.Join(dir, "rpath")
	if err := os.Mkdir(rpathdir, 0755); err != nil {
		t.Fatal(err)
	}
	writeELF(t, rpathdir, "libfoo.so", elfSpec{machine: elf.EM_X86_64})
	runlibdir := filepath.Join(dir, "run")
	if err := os.Mkdir(runlibdir, 0755); err != nil {
		t.Fatal(err)
	}
	writeELF(t, runlibdir, "libfoo.so", elfSpec{machine: elf.EM_X86_64})
	root := writeELF(t, dir, "prog", elfSpec{
		machine: elf.EM_X86_64, needed: []string{"libfoo.so"},
		rpath: rpathdir, runpath: runlibdir,
	})

	res, err := Resolve(root, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Deps) != 1 || res.Deps[0].Path != filepath.Join(runlibdir, "libfoo.so") {
		t.Fatalf("got deps %+v, want libfoo.so resolved via DT_RUNPATH", res.Deps)
	}
}

func TestNotELFFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "notelf")
	if err := os.WriteFile(p, []byte("not an elf file"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := Resolve(p, Options{})
	if err == nil {
		t.Fatal("expected error for non-ELF file")
	}
}
