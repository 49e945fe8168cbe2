package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/pocketmind/pocketmind/internal/config"
	"github.com/pocketmind/pocketmind/internal/memory"
)

// runMemoryExport dumps the full memory state as JSON for backup or
// inspection while the runtime is stopped.
func runMemoryExport(ctx context.Context, stdout io.Writer, configPath, outPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if _, err := os.Stat(cfg.MemoryDBPath()); err != nil {
		return fmt.Errorf("memory database not found at %s", cfg.MemoryDBPath())
	}

	store, err := memory.OpenStore(cfg.MemoryDBPath())
	if err != nil {
		return fmt.Errorf("open memory store: %w", err)
	}
	defer store.Close()

	w := stdout
	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create %s: %w", outPath, err)
		}
		defer f.Close()
		w = f
	}
	if err := store.ExportJSON(ctx, w); err != nil {
		return fmt.Errorf("export: %w", err)
	}
	if outPath != "" {
		fmt.Fprintf(stdout, "exported to %s\n", outPath)
	}
	return nil
}
