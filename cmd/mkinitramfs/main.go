// Command mkinitramfs builds Linux initramfs archives and early-boot CPU
// microcode bundles from a declarative YAML configuration.
package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "initramfs":
		err = runInitramfs(context.Background(), os.Args[2:])
	case "microcode":
		err = runMicrocode(context.Background(), os.Args[2:])
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "mkinitramfs: unknown subcommand %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "mkinitramfs: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: mkinitramfs <subcommand> [flags]

Subcommands:
  initramfs   build an initramfs archive from a YAML configuration
  microcode   build a standalone early-boot microcode bundle

Run "mkinitramfs <subcommand> -h" for subcommand flags.`)
}
