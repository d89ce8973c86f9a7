// Package config loads a YAML configuration file into an
// initramfs.Config, optionally merging a directory of fragment files. It
// is a thin external collaborator: the engineering focus of this module
// is the assembler and codecs, not the configuration format.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/appsworld/go-initramfs"
	"gopkg.in/yaml.v3"
)

// wireFormat mirrors the YAML file's top-level shape.
type wireFormat struct {
	Initramfs struct {
		Init    string                   `yaml:"init"`
		Bin     []initramfs.PathEntry    `yaml:"bin"`
		Lib     []initramfs.PathEntry    `yaml:"lib"`
		Tree    []initramfs.TreeEntry    `yaml:"tree"`
		Module  []string                 `yaml:"module"`
		Node    []initramfs.NodeEntry    `yaml:"node"`
		Symlink []initramfs.SymlinkEntry `yaml:"symlink"`
	} `yaml:"initramfs"`
	Microcode initramfs.MicrocodeConfig `yaml:"microcode"`
}

// Load reads path and, if confdir is non-empty, merges every *.yaml/*.yml
// fragment found in it (sorted by filename) into the base configuration,
// category-wise, before returning.
func Load(path, confdir string) (initramfs.Config, initramfs.MicrocodeConfig, error) {
	wf, err := loadOne(path)
	if err != nil {
		return initramfs.Config{}, initramfs.MicrocodeConfig{}, err
	}

	if confdir != "" {
		fragments, err := fragmentPaths(confdir)
		if err != nil {
			return initramfs.Config{}, initramfs.MicrocodeConfig{}, err
		}
		for _, fp := range fragments {
			frag, err := loadOne(fp)
			if err != nil {
				return initramfs.Config{}, initramfs.MicrocodeConfig{}, err
			}
			merge(&wf, frag)
		}
	}

	cfg := initramfs.Config{
		Init:    wf.Initramfs.Init,
		Bin:     wf.Initramfs.Bin,
		Lib:     wf.Initramfs.Lib,
		Tree:    wf.Initramfs.Tree,
		Module:  wf.Initramfs.Module,
		Node:    wf.Initramfs.Node,
		Symlink: wf.Initramfs.Symlink,
	}
	return cfg, wf.Microcode, nil
}

func loadOne(path string) (wireFormat, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return wireFormat{}, fmt.Errorf("%w: reading %s: %v", initramfs.ErrConfig, path, err)
	}
	var wf wireFormat
	if err := yaml.Unmarshal(b, &wf); err != nil {
		return wireFormat{}, fmt.Errorf("%w: parsing %s: %v", initramfs.ErrConfig, path, err)
	}
	return wf, nil
}

// merge appends frag's category entries onto base, category-wise. A
// non-empty frag.Initramfs.Init overrides base's.
func merge(base *wireFormat, frag wireFormat) {
	if frag.Initramfs.Init != "" {
		base.Initramfs.Init = frag.Initramfs.Init
	}
	base.Initramfs.Bin = append(base.Initramfs.Bin, frag.Initramfs.Bin...)
	base.Initramfs.Lib = append(base.Initramfs.Lib, frag.Initramfs.Lib...)
	base.Initramfs.Tree = append(base.Initramfs.Tree, frag.Initramfs.Tree...)
	base.Initramfs.Module = append(base.Initramfs.Module, frag.Initramfs.Module...)
	base.Initramfs.Node = append(base.Initramfs.Node, frag.Initramfs.Node...)
	base.Initramfs.Symlink = append(base.Initramfs.Symlink, frag.Initramfs.Symlink...)
	if frag.Microcode.Intel != "" {
		base.Microcode.Intel = frag.Microcode.Intel
	}
	if frag.Microcode.AMD != "" {
		base.Microcode.AMD = frag.Microcode.AMD
	}
}

// fragmentPaths returns every *.yaml/*.yml file directly under dir,
// sorted by filename.
func fragmentPaths(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: reading confdir %s: %v", initramfs.ErrConfig, dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := make([]string, len(names))
	for i, n := range names {
		out[i] = filepath.Join(dir, n)
	}
	return out, nil
}
