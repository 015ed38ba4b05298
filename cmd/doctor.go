package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/popkit/internal/bus"
	"github.com/nextlevelbuilder/popkit/internal/config"
	"github.com/nextlevelbuilder/popkit/internal/embedding"
	"github.com/nextlevelbuilder/popkit/internal/gates"
	"github.com/nextlevelbuilder/popkit/internal/platform"
	"github.com/nextlevelbuilder/popkit/internal/router"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("popkit doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	info := platform.Detect()
	fmt.Printf("  Shell:    %s\n", info.Shell)
	fmt.Println()

	cfgPath := config.ResolvePath(cfgFile)
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, defaults apply)")
	} else {
		fmt.Println(" (OK)")
	}
	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	workdir, _ := os.Getwd()
	if !filepath.IsAbs(cfg.StateDir) {
		cfg.StateDir = filepath.Join(workdir, cfg.StateDir)
	}

	// Git
	fmt.Print("  Git:      ")
	if _, err := exec.LookPath("git"); err != nil {
		fmt.Println("NOT FOUND (checkpoints and rollback disabled)")
	} else if err := exec.Command("git", "-C", workdir, "rev-parse", "--git-dir").Run(); err != nil {
		fmt.Println("installed, but this is not a repository")
	} else {
		fmt.Println("OK")
	}

	// State dir
	fmt.Printf("  State:    %s", cfg.StateDir)
	if err := os.MkdirAll(cfg.PopkitDir(), 0755); err != nil {
		fmt.Printf(" (NOT WRITABLE: %s)\n", err)
	} else {
		fmt.Println(" (OK)")
	}

	// Embedding index
	fmt.Printf("  Index:    %s", cfg.IndexDBPath())
	if index, err := embedding.Open(cfg.IndexDBPath()); err != nil {
		fmt.Printf(" (ERROR: %s)\n", err)
	} else {
		n, _ := index.Count(context.Background(), embedding.SourceAgent)
		fmt.Printf(" (OK, %d agent records)\n", n)
		index.Close()
	}

	// Embedding provider
	fmt.Print("  Embedder: ")
	if embedding.NewClient(cfg.Embedding).Available() {
		fmt.Printf("key present (model %s)\n", cfg.Embedding.Model)
	} else {
		fmt.Println("no API key (semantic routing falls back to keywords)")
	}

	// Catalog
	specs := router.LoadCatalog(cfg.StateDir)
	fmt.Printf("  Catalog:  %d agents/skills\n", len(specs))

	// Gates
	detected := gates.Detect(workdir)
	fmt.Printf("  Gates:    %d detected", len(detected))
	if _, err := os.Stat(filepath.Join(workdir, gates.ConfigFileName)); err == nil {
		fmt.Print(" + " + gates.ConfigFileName)
	}
	fmt.Println()

	// Remote bus
	if cfg.Bus.Backend == "redis" && cfg.Bus.RedisAddr != "" {
		fmt.Printf("  Redis:    %s", cfg.Bus.RedisAddr)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		rb, err := bus.NewRedisBus(ctx, cfg.Bus.RedisAddr, cfg.Bus.RedisPassword, cfg.Bus.RedisDB, "popkit")
		cancel()
		if err != nil {
			fmt.Printf(" (UNREACHABLE: file bus will be used)\n")
		} else {
			fmt.Println(" (OK)")
			rb.Close()
		}
	} else {
		fmt.Println("  Bus:      file-based ring log")
	}
}
