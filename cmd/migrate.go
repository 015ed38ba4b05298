package cmd

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/popkit/migrations"
)

// migrateCmd manages the two SQLite schemas (embedding index and
// feedback). Migrations are embedded; the stores also apply them at
// open, so this command mostly serves status checks and downgrades.
func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate {up|down|status}",
		Short: "Manage SQLite schema migrations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(args[0])
		},
	}
	return cmd
}

func runMigrate(direction string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	workdir, _ := os.Getwd()
	if !filepath.IsAbs(cfg.StateDir) {
		cfg.StateDir = filepath.Join(workdir, cfg.StateDir)
	}

	targets := []struct {
		name   string
		subdir string
		path   string
	}{
		{"index", "index", cfg.IndexDBPath()},
		{"feedback", "feedback", cfg.FeedbackDBPath()},
	}

	for _, target := range targets {
		if err := os.MkdirAll(filepath.Dir(target.path), 0755); err != nil {
			return err
		}
		m, db, err := newMigrator(target.subdir, target.path)
		if err != nil {
			return fmt.Errorf("%s: %w", target.name, err)
		}

		switch direction {
		case "up":
			if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
				db.Close()
				return fmt.Errorf("%s up: %w", target.name, err)
			}
			fmt.Printf("%s: up to date\n", target.name)
		case "down":
			if err := m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
				db.Close()
				return fmt.Errorf("%s down: %w", target.name, err)
			}
			fmt.Printf("%s: stepped down\n", target.name)
		case "status":
			version, dirty, err := m.Version()
			if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
				db.Close()
				return fmt.Errorf("%s status: %w", target.name, err)
			}
			fmt.Printf("%s: version=%d dirty=%v (%s)\n", target.name, version, dirty, target.path)
		default:
			db.Close()
			return fmt.Errorf("unknown direction %q", direction)
		}
		db.Close()
	}
	return nil
}

func newMigrator(subdir, path string) (*migrate.Migrate, *sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, nil, err
	}
	src, err := iofs.New(migrations.FS, subdir)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return m, db, nil
}
