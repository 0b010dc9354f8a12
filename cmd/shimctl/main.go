// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// shimctl is the operator-side companion to the shimmer library: it lists
// a library's export table and dry-runs a hook plan against it, so a bad
// config is caught at a terminal instead of inside someone's process.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/mbeema/shimmer/pkg/config"
	"github.com/mbeema/shimmer/pkg/image"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	var err error
	switch args[0] {
	case "exports":
		err = runExports(args[1:])
	case "plan":
		err = runPlan(args[1:])
	case "version":
		fmt.Printf("shimctl %s (commit: %s, built: %s)\n", version, commit, buildDate)
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "shimctl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: shimctl <command> [arguments]

Commands:
  exports <library>                list the export table of a library image
  plan -config <file> [-image p]   validate a hook plan against an image
  version                          print version and exit
`)
}

func runExports(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("exports: expected exactly one library path")
	}

	exports, err := image.Exports(args[0])
	if err != nil {
		return fmt.Errorf("read exports of %s: %w", args[0], err)
	}

	for _, e := range exports {
		fmt.Printf("%#-12x %s\n", e.RVA, e.Name)
	}
	fmt.Fprintf(os.Stderr, "%d exports\n", len(exports))
	return nil
}

// runPlan checks a configuration's hooks against a real image's export
// table without loading it into any process: every by-name hook must
// resolve, every by-offset hook gets flagged as unverified.
func runPlan(args []string) error {
	fs := flag.NewFlagSet("plan", flag.ExitOnError)
	configPath := fs.String("config", "", "path to shimmer configuration")
	imagePath := fs.String("image", "", "image to validate against (default: original_path from config)")
	fs.Parse(args)

	if *configPath == "" {
		return fmt.Errorf("plan: -config is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	target := *imagePath
	if target == "" {
		target = cfg.OriginalPath
	}
	if target == "" {
		return fmt.Errorf("plan: no image to validate against; set original_path or pass -image")
	}

	exports, err := image.Exports(target)
	if err != nil {
		return fmt.Errorf("read exports of %s: %w", target, err)
	}
	byName := make(map[string]image.Export, len(exports))
	for _, e := range exports {
		byName[e.Name] = e
	}

	missing := 0
	check := func(label, name string, offset uintptr) {
		switch {
		case name != "":
			if e, ok := byName[name]; ok {
				fmt.Printf("ok        %-30s rva=%#x\n", label, e.RVA)
			} else {
				fmt.Printf("MISSING   %-30s not in export table\n", label)
				missing++
			}
		case offset != 0:
			fmt.Printf("unverified %-29s offset hooks cannot be checked against the export table\n", label)
		}
	}

	// The entry point tolerates a missing export when an offset fallback
	// is configured, mirroring what the proxy does at load time.
	if _, ok := byName[cfg.EntrySymbol]; !ok && cfg.EntrySymbol != "" && cfg.EntryOffset != 0 {
		fmt.Printf("fallback  entry:%-24s not exported; will use offset %#x\n", cfg.EntrySymbol, uintptr(cfg.EntryOffset))
	} else {
		check("entry:"+cfg.EntrySymbol, cfg.EntrySymbol, uintptr(cfg.EntryOffset))
	}
	for i := range cfg.Hooks {
		h := &cfg.Hooks[i]
		key, err := h.Key()
		if err != nil {
			return fmt.Errorf("hooks[%d]: %w", i, err)
		}
		check(key.String(), h.Name, uintptr(h.Offset))
	}

	if missing > 0 {
		return fmt.Errorf("%d hook(s) cannot resolve against %s", missing, target)
	}
	fmt.Fprintf(os.Stderr, "plan ok against %s\n", target)
	return nil
}
