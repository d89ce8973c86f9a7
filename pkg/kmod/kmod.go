// Package kmod resolves Linux kernel module names and aliases into the
// transitive closure of .ko files required to load them, using the
// modules.dep/modules.alias/modules.builtin/modules.order metadata files
// that depmod(8) generates under /lib/modules/<release>.
package kmod

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrUnknownModule is returned when a requested name matches neither an
// alias nor a module path basename.
var ErrUnknownModule = errors.New("kmod: unknown module")

// ErrBuiltinModule is returned when a requested module is compiled into
// the kernel: there is nothing to insert into the archive.
var ErrBuiltinModule = errors.New("kmod: module is built into the kernel")

// compressSuffixes are stripped when matching a bare module name against
// modules.dep path basenames; modules are never decompressed by this
// package, the suffix only affects name matching.
var compressSuffixes = []string{".ko.xz", ".ko.zst", ".ko.gz", ".ko"}

// Metadata holds the parsed contents of one modules root's dependency
// files.
type Metadata struct {
	root string

	// dep maps a module's path (relative to root, as written in
	// modules.dep, compression suffix included) to its ordered list of
	// dependency paths, dependencies first.
	dep map[string][]string

	// alias maps a glob pattern to the module name it resolves to.
	alias []aliasEntry

	// builtin is the set of module names (without path or suffix)
	// compiled into the kernel.
	builtin map[string]bool

	// order lists module paths in modules.order's original order.
	order []string
}

type aliasEntry struct {
	pattern string
	module  string
}

// Load parses modules.dep, modules.alias, modules.builtin, and
// modules.order from root. modules.order is optional; its absence is not
// an error, since not every modules root ships one.
func Load(root string) (*Metadata, error) {
	m := &Metadata{root: root, builtin: make(map[string]bool)}

	dep, err := parseDep(filepath.Join(root, "modules.dep"))
	if err != nil {
		return nil, fmt.Errorf("kmod: loading modules.dep: %w", err)
	}
	m.dep = dep

	alias, err := parseAlias(filepath.Join(root, "modules.alias"))
	if err != nil {
		return nil, fmt.Errorf("kmod: loading modules.alias: %w", err)
	}
	m.alias = alias

	builtin, err := parseBuiltin(filepath.Join(root, "modules.builtin"))
	if err != nil {
		return nil, fmt.Errorf("kmod: loading modules.builtin: %w", err)
	}
	m.builtin = builtin

	order, err := parseOrder(filepath.Join(root, "modules.order"))
	if err != nil {
		return nil, fmt.Errorf("kmod: loading modules.order: %w", err)
	}
	m.order = order

	return m, nil
}

// parseDep reads a modules.dep file: each line is "path: dep1 dep2 ...",
// paths relative to the modules root, dependencies listed in load order
// (dependencies of the module, not reverse).
func parseDep(path string) (map[string][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := make(map[string][]string)
	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		key, rest, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		out[key] = strings.Fields(rest)
	}
	return out, s.Err()
}

// parseAlias reads a modules.alias file: lines of the form
// "alias <glob-pattern> <module-name>".
func parseAlias(path string) ([]aliasEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []aliasEntry
	s := bufio.NewScanner(f)
	for s.Scan() {
		fields := strings.Fields(s.Text())
		if len(fields) != 3 || fields[0] != "alias" {
			continue
		}
		out = append(out, aliasEntry{pattern: fields[1], module: fields[2]})
	}
	return out, s.Err()
}

// parseBuiltin reads modules.builtin: one module name per line, formatted
// as a path like modules.dep's keys.
func parseBuiltin(path string) (map[string]bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]bool), nil
		}
		return nil, err
	}
	defer f.Close()

	out := make(map[string]bool)
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		out[moduleName(line)] = true
	}
	return out, s.Err()
}

// parseOrder reads modules.order: one module path per line, in build
// order.
func parseOrder(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []string
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line != "" {
			out = append(out, line)
		}
	}
	return out, s.Err()
}

// moduleName strips any known compression suffix and the directory
// component of a module path, leaving its bare name for builtin/alias
// lookups, e.g. "kernel/drivers/net/e1000.ko.xz" -> "e1000".
func moduleName(modPath string) string {
	base := path.Base(modPath)
	for _, suf := range compressSuffixes {
		if strings.HasSuffix(base, suf) {
			return strings.TrimSuffix(base, suf)
		}
	}
	return base
}

// File is one resolved module: its path relative to the modules root
// (archive-relative, compression suffix included) and the absolute host
// path to read its bytes from.
type File struct {
	RelPath  string
	HostPath string
}

// Resolve expands name (a module name or modules.alias glob target) into
// the transitive closure of module paths it and its dependencies require,
// in dependency order (a module's dependencies precede it). Each module
// appears once even if reachable through multiple requested names.
//
// Requested or transitively required modules that turn out to be
// kernel-builtin are reported in warnings (each wraps ErrBuiltinModule,
// checkable with errors.Is), not treated as a hard failure: there is
// nothing to insert for them.
func (m *Metadata) Resolve(names []string) (files []File, warnings []error, err error) {
	seen := make(map[string]bool)

	for _, name := range names {
		modPath, ok := m.lookup(name)
		if !ok {
			if m.builtin[name] {
				warnings = append(warnings, fmt.Errorf("%w: %q", ErrBuiltinModule, name))
				continue
			}
			return nil, nil, fmt.Errorf("%w: %q", ErrUnknownModule, name)
		}
		if err := m.resolveOne(modPath, seen, &files, &warnings); err != nil {
			return nil, nil, err
		}
	}
	return files, warnings, nil
}

// lookup resolves name to a modules.dep key, trying alias expansion
// first, then a basename match against modules.dep's keys.
func (m *Metadata) lookup(name string) (string, bool) {
	for _, a := range m.alias {
		if ok, _ := path.Match(a.pattern, name); ok {
			if modPath, ok := m.lookup(a.module); ok {
				return modPath, true
			}
		}
	}
	if _, ok := m.dep[name]; ok {
		return name, true
	}
	for modPath := range m.dep {
		if moduleName(modPath) == name {
			return modPath, true
		}
	}
	return "", false
}

func (m *Metadata) resolveOne(modPath string, seen map[string]bool, out *[]File, warnings *[]error) error {
	if seen[modPath] {
		return nil
	}
	seen[modPath] = true

	for _, dep := range m.dep[modPath] {
		if m.builtin[moduleName(dep)] {
			*warnings = append(*warnings, fmt.Errorf("%w: %q", ErrBuiltinModule, dep))
			continue
		}
		if err := m.resolveOne(dep, seen, out, warnings); err != nil {
			return err
		}
	}

	*out = append(*out, File{RelPath: modPath, HostPath: filepath.Join(m.root, filepath.FromSlash(modPath))})
	return nil
}

// IncludedOrder returns the subset of modules.order's lines naming
// modules present in included (matched by RelPath), preserving their
// original relative order. Modules not included are omitted.
func (m *Metadata) IncludedOrder(included []File) []string {
	want := make(map[string]bool, len(included))
	for _, f := range included {
		want[f.RelPath] = true
	}
	var out []string
	for _, modPath := range m.order {
		if want[modPath] {
			out = append(out, modPath)
		}
	}
	return out
}

// MetadataFiles returns the host paths of the metadata files that must be
// copied verbatim into the archive so the in-initramfs modprobe can find
// them.
func (m *Metadata) MetadataFiles() []string {
	var out []string
	for _, name := range []string{"modules.dep", "modules.alias", "modules.builtin"} {
		p := filepath.Join(m.root, name)
		if _, err := os.Stat(p); err == nil {
			out = append(out, p)
		}
	}
	return out
}
