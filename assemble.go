// Package initramfs assembles a staging tree from a declarative
// configuration, resolving ELF shared-library dependencies and kernel
// module dependencies along the way, and encodes it to a CPIO newc
// archive.
package initramfs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/appsworld/go-initramfs/pkg/elfdeps"
	"github.com/appsworld/go-initramfs/pkg/kmod"
	"github.com/appsworld/go-initramfs/pkg/vfs"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Options configures one Assemble call. The zero value is usable: it
// disables kernel-module processing (ModulesRoot empty), uses elfdeps'
// built-in default search paths, logs nothing, and copies tree source
// paths concurrently with no bound on the number of workers.
type Options struct {
	// ModulesRoot is the host modules directory (e.g.
	// /lib/modules/<release>). Required iff the configuration's Module
	// list is non-empty.
	ModulesRoot string

	// LibraryPath seeds the ELF resolver's caller-provided search path,
	// equivalent to LD_LIBRARY_PATH.
	LibraryPath []string

	// SkipDefaultPaths disables the ELF resolver's built-in
	// /lib64,/usr/lib64,/lib,/usr/lib fallback search path.
	SkipDefaultPaths bool

	// TreeConcurrency bounds the worker pool used to copy independent
	// tree-category source paths. Zero or negative means unbounded (one
	// goroutine per source path).
	TreeConcurrency int

	// Logger receives structured progress and warning events. The zero
	// value is a valid no-op logger.
	Logger zerolog.Logger
}

// Result is the outcome of a successful Assemble call.
type Result struct {
	Tree *vfs.Tree

	// Warnings accumulates every non-fatal condition encountered:
	// unresolved sonames and kernel-builtin modules are downgraded to
	// warnings rather than failing the whole assembly.
	Warnings []error
}

// Assemble interprets cfg against the host filesystem and modules root,
// populating and returning a staging tree. Category processing order is
// fixed (bin, lib, modules, tree, node, symlink, init) for output
// determinism; ctx is checked between categories and between individual
// tree-copy work items.
func Assemble(ctx context.Context, cfg Config, opts Options) (*Result, error) {
	res := &Result{Tree: vfs.New()}
	log := opts.Logger

	steps := []struct {
		name string
		fn   func() error
	}{
		{"bin", func() error { return processBinaries(ctx, res, cfg.Bin, opts, log, "bin") }},
		{"lib", func() error { return processBinaries(ctx, res, cfg.Lib, opts, log, "lib") }},
		{"modules", func() error { return processModules(res, cfg, opts, log) }},
		{"tree", func() error { return processTrees(ctx, res, cfg.Tree, opts, log) }},
		{"node", func() error { return processNodes(res, cfg.Node) }},
		{"symlink", func() error { return processSymlinks(res, cfg.Symlink) }},
		{"init", func() error { return processInit(res, cfg.Init) }},
	}

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		log.Debug().Str("category", step.name).Msg("processing category")
		if err := step.fn(); err != nil {
			return nil, err
		}
	}

	return res, nil
}

// processBinaries inserts each bin/lib entry as a regular file, then
// resolves and inserts its transitive shared-library dependencies.
func processBinaries(ctx context.Context, res *Result, entries []PathEntry, opts Options, log zerolog.Logger, origin string) error {
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := insertHostFile(res.Tree, e.Src, e.dst(), origin+":"+e.Src); err != nil {
			return err
		}

		resolverOpts := elfdeps.Options{LibraryPath: opts.LibraryPath}
		if opts.SkipDefaultPaths {
			resolverOpts.DefaultPaths = []string{}
		}
		depRes, err := elfdeps.Resolve(e.Src, resolverOpts)
		if err != nil {
			return wrapErr(ErrNotELF, e.Src, err)
		}

		if depRes.Interp != "" {
			if err := insertHostFile(res.Tree, depRes.Interp, depRes.Interp, origin+":"+e.Src+" interp"); err != nil {
				return err
			}
		}
		for _, dep := range depRes.Deps {
			if err := insertHostFile(res.Tree, dep.Path, dep.Path, origin+":"+e.Src+" dep "+dep.Soname); err != nil {
				return err
			}
		}
		for _, soname := range depRes.Unresolved {
			warn := fmt.Errorf("%w: %s needed by %s", ErrUnresolvedSoname, soname, e.Src)
			res.Warnings = append(res.Warnings, warn)
			log.Warn().Str("soname", soname).Str("binary", e.Src).Msg("unresolved shared object")
		}
	}
	return nil
}

func insertHostFile(tree *vfs.Tree, src, dst, origin string) error {
	meta, err := statHost(src)
	if err != nil {
		return err
	}
	err = tree.InsertFile(dst, HostSource(src), meta.size, meta.mode, meta.uid, meta.gid, meta.mtime, origin)
	return toPackageErr(dst, err)
}

// processModules resolves the configured module names/aliases against
// opts.ModulesRoot and inserts the resulting .ko files, the metadata
// files modprobe needs, and a filtered modules.order.
func processModules(res *Result, cfg Config, opts Options, log zerolog.Logger) error {
	if len(cfg.Module) == 0 {
		return nil
	}
	if opts.ModulesRoot == "" {
		return wrapErr(ErrConfig, "", fmt.Errorf("module list is non-empty but no modules root was configured"))
	}

	meta, err := kmod.Load(opts.ModulesRoot)
	if err != nil {
		return wrapErr(ErrIO, opts.ModulesRoot, err)
	}
	files, warnings, err := meta.Resolve(cfg.Module)
	if err != nil {
		if errors.Is(err, kmod.ErrUnknownModule) {
			return wrapErr(ErrUnknownModule, "", err)
		}
		return wrapErr(ErrIO, opts.ModulesRoot, err)
	}
	for _, w := range warnings {
		res.Warnings = append(res.Warnings, fmt.Errorf("%w: %v", ErrBuiltinModule, w))
		log.Warn().Err(w).Msg("kernel module is builtin")
	}

	release := filepath.Base(opts.ModulesRoot)
	archivePath := func(rel string) string {
		return path.Join("/lib/modules", release, filepath.ToSlash(rel))
	}

	for _, f := range files {
		if err := insertHostFile(res.Tree, f.HostPath, archivePath(f.RelPath), "module:"+f.RelPath); err != nil {
			return err
		}
	}
	for _, hostPath := range meta.MetadataFiles() {
		dst := archivePath(filepath.Base(hostPath))
		if err := insertHostFile(res.Tree, hostPath, dst, "module-metadata"); err != nil {
			return err
		}
	}

	order := meta.IncludedOrder(files)
	orderBlob := []byte{}
	for _, modPath := range order {
		orderBlob = append(orderBlob, []byte(modPath+"\n")...)
	}
	err = res.Tree.InsertFile(archivePath("modules.order"), vfs.BytesSource(orderBlob), int64(len(orderBlob)), 0644, 0, 0, 0, "module-metadata:modules.order")
	return toPackageErr(archivePath("modules.order"), err)
}

// processTrees copies every tree entry's source paths into the staging
// tree. Independent source paths across all tree entries are copied
// concurrently, bounded by opts.TreeConcurrency; the tree's insert path
// is internally synchronized, so no further coordination is needed.
func processTrees(ctx context.Context, res *Result, entries []TreeEntry, opts Options, log zerolog.Logger) error {
	type job struct {
		dstDir string
		src    string
	}
	var jobs []job
	for _, e := range entries {
		for _, src := range e.Copy {
			jobs = append(jobs, job{dstDir: e.Path, src: src})
		}
	}
	if len(jobs) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	if opts.TreeConcurrency > 0 {
		g.SetLimit(opts.TreeConcurrency)
	}
	for _, j := range jobs {
		j := j
		g.Go(func() error {
			return copyTree(gctx, res.Tree, j.src, j.dstDir, log)
		})
	}
	return g.Wait()
}

// copyTree mirrors src (file, directory, or symlink) into the staging
// tree at dstDir, preserving relative layout and symlinks verbatim.
func copyTree(ctx context.Context, tree *vfs.Tree, src, dstDir string, log zerolog.Logger) error {
	lm, err := lstatHost(src)
	if err != nil {
		return err
	}
	base := filepath.Base(src)

	if lm.isSymlink() {
		target, err := readHostLink(src)
		if err != nil {
			return err
		}
		dst := path.Join(dstDir, base)
		err = tree.InsertSymlink(dst, target, lm.uid, lm.gid, lm.mtime, "tree:"+src)
		return toPackageErr(dst, err)
	}

	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return wrapErr(ErrIO, p, err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return wrapErr(ErrIO, p, err)
		}
		dst := path.Join(dstDir, base, filepath.ToSlash(rel))
		if rel == "." {
			dst = path.Join(dstDir, base)
		}

		meta, err := lstatHost(p)
		if err != nil {
			return err
		}

		switch {
		case meta.isSymlink():
			target, err := readHostLink(p)
			if err != nil {
				return err
			}
			return toPackageErr(dst, tree.InsertSymlink(dst, target, meta.uid, meta.gid, meta.mtime, "tree:"+p))
		case d.IsDir():
			return toPackageErr(dst, tree.InsertDir(dst, meta.mode, meta.uid, meta.gid, meta.mtime, "tree:"+p))
		case meta.isCharDev() || meta.isBlockDev():
			kind := vfs.KindCharDevice
			if meta.isBlockDev() {
				kind = vfs.KindBlockDevice
			}
			return toPackageErr(dst, tree.InsertNode(dst, kind, meta.major, meta.minor, meta.mode, meta.uid, meta.gid, meta.mtime, "tree:"+p))
		default:
			return toPackageErr(dst, tree.InsertFile(dst, HostSource(p), meta.size, meta.mode, meta.uid, meta.gid, meta.mtime, "tree:"+p))
		}
	})
}

// processNodes inserts configured device nodes.
func processNodes(res *Result, entries []NodeEntry) error {
	for _, n := range entries {
		var kind vfs.Kind
		switch n.Kind {
		case "char":
			kind = vfs.KindCharDevice
		case "block":
			kind = vfs.KindBlockDevice
		default:
			return wrapErr(ErrConfig, n.Path, fmt.Errorf("unknown node kind %q", n.Kind))
		}
		err := res.Tree.InsertNode(n.Path, kind, n.Major, n.Minor, n.Mode, 0, 0, 0, "node:"+n.Path)
		if err := toPackageErr(n.Path, err); err != nil {
			return err
		}
	}
	return nil
}

// processSymlinks inserts configured symbolic links.
func processSymlinks(res *Result, entries []SymlinkEntry) error {
	for _, s := range entries {
		err := res.Tree.InsertSymlink(s.Path, s.Target, 0, 0, 0, "symlink:"+s.Path)
		if err := toPackageErr(s.Path, err); err != nil {
			return err
		}
	}
	return nil
}

// processInit installs /init, either copied from an absolute host path or
// written verbatim as a 0755 shell script body.
func processInit(res *Result, init string) error {
	if init == "" {
		return nil
	}
	if filepath.IsAbs(init) {
		if _, err := os.Stat(init); err == nil {
			return insertHostFile(res.Tree, init, "/init", "init")
		}
	}
	body := []byte(init)
	err := res.Tree.InsertFile("/init", vfs.BytesSource(body), int64(len(body)), 0755, 0, 0, 0, "init")
	return toPackageErr("/init", err)
}

func toPackageErr(path string, err error) error {
	if err == nil {
		return nil
	}
	if ce, ok := err.(*vfs.ConflictError); ok {
		return wrapConflict(ce.First.Origin, ce.Next.Origin, err)
	}
	return &Error{Kind: ErrInvalidPath, Path: path, Err: err}
}
