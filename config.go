package initramfs

import "gopkg.in/yaml.v3"

// Config is the fully-resolved, in-memory configuration the assembler
// consumes. internal/config produces one of these from YAML; callers that
// build it programmatically are equally welcome.
type Config struct {
	Init    string         `yaml:"init"`
	Bin     []PathEntry    `yaml:"bin"`
	Lib     []PathEntry    `yaml:"lib"`
	Tree    []TreeEntry    `yaml:"tree"`
	Module  []string       `yaml:"module"`
	Node    []NodeEntry    `yaml:"node"`
	Symlink []SymlinkEntry `yaml:"symlink"`

	// Modules records the host modules root (e.g. /lib/modules/<release>).
	// Assemble does not read it; it takes the root from
	// Options.ModulesRoot.
	Modules string `yaml:"-"`
}

// PathEntry names a binary or library: Src on the host, Dst in the
// archive. The YAML form accepts either a bare string (Dst defaults to
// Src) or a {src, dst} mapping; internal/config normalizes both into
// this shape before the assembler ever sees it.
type PathEntry struct {
	Src string `yaml:"src"`
	Dst string `yaml:"dst"`
}

// dst returns the archive destination, defaulting to Src.
func (p PathEntry) dst() string {
	if p.Dst != "" {
		return p.Dst
	}
	return p.Src
}

// UnmarshalYAML accepts either a bare scalar path string (Dst defaults to
// Src) or a {src, dst} mapping.
func (p *PathEntry) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		p.Src = s
		return nil
	}
	type plain PathEntry
	var pe plain
	if err := value.Decode(&pe); err != nil {
		return err
	}
	*p = PathEntry(pe)
	return nil
}

// TreeEntry copies one or more host source paths into path, recursively
// mirroring relative layout for directories.
type TreeEntry struct {
	Path string   `yaml:"path"`
	Copy []string `yaml:"copy"`
}

// NodeEntry describes a character or block device node.
type NodeEntry struct {
	Path  string `yaml:"path"`
	Kind  string `yaml:"kind"` // "char" or "block"
	Major uint32 `yaml:"major"`
	Minor uint32 `yaml:"minor"`
	Mode  uint32 `yaml:"mode"`
}

// SymlinkEntry describes a symbolic link, target stored verbatim.
type SymlinkEntry struct {
	Path   string `yaml:"path"`
	Target string `yaml:"target"`
}

// MicrocodeConfig selects per-vendor firmware directories for the
// microcode subcommand.
type MicrocodeConfig struct {
	Intel string `yaml:"intel"`
	AMD   string `yaml:"amd"`
}
