// Package ucode builds early-boot CPU microcode bundles: a small,
// uncompressed CPIO archive the kernel reads before unpacking the rest of
// the initramfs.
package ucode

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/appsworld/go-initramfs/pkg/cpio"
)

// Vendor identifies a microcode vendor directory and its archive path.
type Vendor struct {
	// Dir is the host directory whose regular files are concatenated,
	// in lexicographic order, to form the vendor's blob.
	Dir string
	// ArchivePath is the path the concatenated blob is written under,
	// e.g. "kernel/x86/microcode/GenuineIntel.bin".
	ArchivePath string
}

// Build concatenates each vendor's firmware files and writes the result
// as an uncompressed newc CPIO to w. Vendors whose Dir does not exist are
// skipped; at least one vendor must produce a non-empty blob or Build
// returns an error, since an empty bundle has nothing for the kernel to
// load.
func Build(w io.Writer, vendors []Vendor) error {
	wr := cpio.NewWriter(w)

	wrote := false
	for _, v := range vendors {
		blob, err := concatDir(v.Dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("ucode: reading %s: %w", v.Dir, err)
		}
		if len(blob) == 0 {
			continue
		}
		if err := wr.WriteFile(v.ArchivePath, 0644, 0, 0, 0, blob); err != nil {
			return fmt.Errorf("ucode: writing %s: %w", v.ArchivePath, err)
		}
		wrote = true
	}
	if !wrote {
		return fmt.Errorf("ucode: no vendor firmware found in any of %d directories", len(vendors))
	}
	return wr.Close()
}

// concatDir reads every regular file directly under dir, sorted
// lexicographically by name, and concatenates their contents.
func concatDir(dir string) ([]byte, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var out []byte
	for _, name := range names {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", filepath.Join(dir, name), err)
		}
		out = append(out, b...)
	}
	return out, nil
}

// DefaultVendors returns the standard Intel/AMD vendor mapping rooted at
// the given Intel and AMD firmware directories. Either path may be empty,
// in which case that vendor is omitted.
func DefaultVendors(intelDir, amdDir string) []Vendor {
	var out []Vendor
	if intelDir != "" {
		out = append(out, Vendor{Dir: intelDir, ArchivePath: "kernel/x86/microcode/GenuineIntel.bin"})
	}
	if amdDir != "" {
		out = append(out, Vendor{Dir: amdDir, ArchivePath: "kernel/x86/microcode/AuthenticAMD.bin"})
	}
	return out
}
