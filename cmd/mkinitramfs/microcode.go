package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"

	initramfs "github.com/appsworld/go-initramfs"
	"github.com/appsworld/go-initramfs/internal/config"
	"github.com/appsworld/go-initramfs/pkg/ucode"
)

func runMicrocode(_ context.Context, args []string) error {
	fset := flag.NewFlagSet("microcode", flag.ExitOnError)
	fset.Usage = func() {
		fmt.Fprintln(os.Stderr, `usage: mkinitramfs microcode [flags]

Builds a standalone early-boot microcode bundle from a YAML configuration's
"microcode" section.`)
		fset.PrintDefaults()
	}

	configPath := fset.String("config", "", "path to the YAML configuration file (required)")
	encoder := fset.String("encoder", "none", "accepted for CLI symmetry; microcode bundles are never compressed")
	output := fset.String("output", "-", "output path, or - for stdout")
	verbose := fset.Bool("verbose", false, "enable debug-level logging")
	if err := fset.Parse(args); err != nil {
		return err
	}

	log := newLogger(*verbose)
	if *encoder != "none" {
		log.Warn().Str("encoder", *encoder).Msg("microcode bundles are never compressed; ignoring -encoder")
	}

	if *configPath == "" {
		return fmt.Errorf("%w: -config is required", initramfs.ErrConfig)
	}
	_, ucodeCfg, err := config.Load(*configPath, "")
	if err != nil {
		return err
	}

	vendors := ucode.DefaultVendors(ucodeCfg.Intel, ucodeCfg.AMD)

	return writeToOutput(*output, func(buf *bytes.Buffer) error {
		return ucode.Build(buf, vendors)
	})
}
