// Package elfdeps walks the dynamic section of an ELF binary to produce its
// transitive shared-object dependency set, the same closure the dynamic
// linker would load at runtime.
package elfdeps

import (
	"debug/elf"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrNotELF is returned when the file at a resolved path is not a valid ELF
// object.
var ErrNotELF = errors.New("elfdeps: not an ELF file")

// Dependency is one shared object pulled in, directly or transitively, by
// the root binary.
type Dependency struct {
	Soname string // as named in DT_NEEDED
	Path   string // resolved absolute path
}

// Result is the outcome of resolving one root ELF file.
type Result struct {
	// Interp is the resolved path of the dynamic linker named by
	// PT_INTERP, or "" if the binary is static or has no interpreter. An
	// interpreter that names no acceptable ELF file leaves Interp "" and
	// is listed in Unresolved.
	Interp string

	// Deps lists every resolved shared object in discovery order,
	// direct and transitive, each appearing exactly once.
	Deps []Dependency

	// Unresolved lists sonames that could not be found under any
	// search path. Not a hard error: some sonames are expected to be
	// supplied explicitly by configuration.
	Unresolved []string
}

// Options configures the search behavior.
type Options struct {
	// LibraryPath is the caller-provided search path list, equivalent
	// to LD_LIBRARY_PATH, searched after DT_RPATH and before
	// DT_RUNPATH.
	LibraryPath []string

	// DefaultPaths are searched after LibraryPath and before
	// DT_RUNPATH. Defaults to the usual FHS library directories if nil.
	DefaultPaths []string
}

func (o Options) defaultPaths() []string {
	if o.DefaultPaths != nil {
		return o.DefaultPaths
	}
	return []string{"/lib64", "/usr/lib64", "/lib", "/usr/lib"}
}

// resolver carries the visited set and options across a single root
// resolution, so transitively discovered libraries share cached work.
type resolver struct {
	opts    Options
	visited map[string]bool
	order   []Dependency
	missing []string
	class   elf.Class
	machine elf.Machine
}

// Resolve opens path and returns its full transitive dependency set.
func Resolve(path string, opts Options) (*Result, error) {
	root, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotELF, path, err)
	}
	defer root.Close()

	r := &resolver{
		opts:    opts,
		visited: make(map[string]bool),
		class:   root.Class,
		machine: root.Machine,
	}
	r.visited[abs(path)] = true

	res := &Result{}

	if interp, ok := interpPath(root); ok {
		resolved, err := r.resolveOne(interp, filepath.Dir(path), nil, nil)
		if err != nil {
			return nil, err
		}
		if resolved != "" {
			res.Interp = resolved
		} else {
			r.missing = append(r.missing, interp)
		}
	}

	if err := r.walk(root, path); err != nil {
		return nil, err
	}

	res.Deps = r.order
	res.Unresolved = r.missing
	return res, nil
}

// interpPath reads the PT_INTERP segment, if present.
func interpPath(f *elf.File) (string, bool) {
	for _, p := range f.Progs {
		if p.Type != elf.PT_INTERP {
			continue
		}
		data := make([]byte, p.Filesz)
		if _, err := p.ReadAt(data, 0); err != nil {
			return "", false
		}
		if i := strings.IndexByte(string(data), 0); i >= 0 {
			data = data[:i]
		}
		return string(data), true
	}
	return "", false
}

// walk reads f's DT_NEEDED entries and recursively resolves each one,
// appending newly discovered dependencies to r.order in discovery order.
func (r *resolver) walk(f *elf.File, originPath string) error {
	needed, err := f.DynString(elf.DT_NEEDED)
	if err != nil {
		return fmt.Errorf("elfdeps: reading DT_NEEDED of %s: %w", originPath, err)
	}
	if needed == nil {
		return nil // statically linked: no SHT_DYNAMIC section
	}
	rpath, _ := f.DynString(elf.DT_RPATH)
	runpath, _ := f.DynString(elf.DT_RUNPATH)

	origin := filepath.Dir(originPath)
	rpathDirs := splitAndExpand(rpath, origin)
	runpathDirs := splitAndExpand(runpath, origin)

	for _, soname := range needed {
		resolved, err := r.resolveOne(soname, origin, rpathDirs, runpathDirs)
		if err != nil {
			return err
		}
		if resolved == "" {
			r.missing = append(r.missing, soname)
			continue
		}
		key := abs(resolved)
		if r.visited[key] {
			continue
		}
		r.visited[key] = true
		r.order = append(r.order, Dependency{Soname: soname, Path: resolved})

		child, err := elf.Open(resolved)
		if err != nil {
			return fmt.Errorf("elfdeps: opening resolved dependency %s: %w", resolved, err)
		}
		err = r.walk(child, resolved)
		child.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// resolveOne searches, in spec order, for a candidate file named soname
// whose architecture matches the root binary: DT_RPATH (only when no
// DT_RUNPATH is present, per ld.so semantics), the caller-supplied library
// path, the default search paths, then DT_RUNPATH.
func (r *resolver) resolveOne(soname, origin string, rpathDirs, runpathDirs []string) (string, error) {
	if strings.Contains(soname, "/") {
		if r.accept(soname) {
			return soname, nil
		}
		return "", nil
	}

	var order []string
	if len(runpathDirs) == 0 {
		order = append(order, rpathDirs...)
	}
	order = append(order, r.opts.LibraryPath...)
	order = append(order, r.opts.defaultPaths()...)
	order = append(order, runpathDirs...)

	for _, dir := range order {
		candidate := filepath.Join(dir, soname)
		if r.accept(candidate) {
			return candidate, nil
		}
	}
	return "", nil
}

// accept reports whether candidate exists, is a valid ELF file, and
// matches the root binary's class and machine.
func (r *resolver) accept(candidate string) bool {
	f, err := elf.Open(candidate)
	if err != nil {
		return false
	}
	defer f.Close()
	return f.Class == r.class && f.Machine == r.machine
}

func splitAndExpand(paths []string, origin string) []string {
	var out []string
	for _, p := range paths {
		for _, part := range strings.Split(p, ":") {
			if part == "" {
				continue
			}
			out = append(out, strings.ReplaceAll(part, "$ORIGIN", origin))
		}
	}
	return out
}

func abs(p string) string {
	a, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	return a
}
