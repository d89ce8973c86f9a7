package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"

	initramfs "github.com/appsworld/go-initramfs"
	"github.com/appsworld/go-initramfs/internal/config"
	"github.com/appsworld/go-initramfs/pkg/sink"
	"github.com/google/renameio"
	"github.com/rs/zerolog"
)

func runInitramfs(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("initramfs", flag.ExitOnError)
	fset.Usage = func() {
		fmt.Fprintln(os.Stderr, `usage: mkinitramfs initramfs [flags]

Builds an initramfs archive from a YAML configuration.`)
		fset.PrintDefaults()
	}

	configPath := fset.String("config", "", "path to the YAML configuration file (required)")
	confdir := fset.String("confdir", "", "directory of YAML fragments to merge into the base configuration")
	modulesRoot := fset.String("modules", "", "modules root (e.g. /lib/modules/<release>), required if config names any module")
	ucodePath := fset.String("ucode", "", "pre-built microcode bundle to prepend to the output")
	encoder := fset.String("encoder", "gzip", "compression codec: none, gzip, or zstd")
	output := fset.String("output", "-", "output path, or - for stdout")
	skipDefaultPaths := fset.Bool("skip-default-paths", false, "disable the ELF resolver's built-in library search paths")
	verbose := fset.Bool("verbose", false, "enable debug-level logging")
	if err := fset.Parse(args); err != nil {
		return err
	}

	log := newLogger(*verbose)

	if *configPath == "" {
		return fmt.Errorf("%w: -config is required", initramfs.ErrConfig)
	}
	cfg, _, err := config.Load(*configPath, *confdir)
	if err != nil {
		return err
	}
	cfg.Modules = *modulesRoot

	opts := initramfs.Options{
		ModulesRoot:      *modulesRoot,
		SkipDefaultPaths: *skipDefaultPaths,
		Logger:           log,
	}
	if v := os.Getenv("LD_LIBRARY_PATH"); v != "" {
		opts.LibraryPath = splitColonList(v)
	}

	res, err := initramfs.Assemble(ctx, cfg, opts)
	if err != nil {
		return err
	}
	for _, w := range res.Warnings {
		log.Warn().Err(w).Msg("non-fatal assembly warning")
	}

	var bundle []byte
	if *ucodePath != "" {
		bundle, err = os.ReadFile(*ucodePath)
		if err != nil {
			return fmt.Errorf("%w: reading ucode bundle %s: %v", initramfs.ErrIO, *ucodePath, err)
		}
	}

	codec := sink.Codec(*encoder)

	return writeToOutput(*output, func(w *bytes.Buffer) error {
		return initramfs.WriteOutput(w, res.Tree, codec, bundle)
	})
}

func newLogger(verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
}

func splitColonList(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ':' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// writeToOutput buffers build's output in memory, then atomically replaces
// path (via renameio) or streams to stdout when path is "-". Buffering
// keeps a failed build from ever touching the destination path.
func writeToOutput(path string, build func(*bytes.Buffer) error) error {
	var buf bytes.Buffer
	if err := build(&buf); err != nil {
		return err
	}

	if path == "-" {
		_, err := os.Stdout.Write(buf.Bytes())
		return err
	}

	t, err := renameio.TempFile("", path)
	if err != nil {
		return fmt.Errorf("%w: creating temp file for %s: %v", initramfs.ErrIO, path, err)
	}
	defer t.Cleanup()

	if _, err := t.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("%w: writing %s: %v", initramfs.ErrIO, path, err)
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("%w: replacing %s: %v", initramfs.ErrIO, path, err)
	}
	return nil
}
