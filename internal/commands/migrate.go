package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli"

	"github.com/banshee-data/hf-timestd/internal/db"
)

func init() {
	command := cli.Command{
		Name:  "migrate",
		Usage: "manage the database schema",
		Subcommands: []cli.Command{
			{
				Name:   "up",
				Usage:  "apply every pending migration",
				Flags:  []cli.Flag{ConfigFlag},
				Action: withMigrationDB(func(d *db.DB) error { return d.MigrateUp() }),
			},
			{
				Name:   "down",
				Usage:  "roll back the most recent migration",
				Flags:  []cli.Flag{ConfigFlag},
				Action: withMigrationDB(func(d *db.DB) error { return d.MigrateDown() }),
			},
			{
				Name:   "version",
				Usage:  "print the schema version",
				Flags:  []cli.Flag{ConfigFlag},
				Action: withMigrationDB(func(*db.DB) error { return nil }),
			},
		},
	}

	bootstrapCommands(command)
}

type migrationStatus struct {
	Version uint `json:"version"`
	Latest  uint `json:"latest"`
	Dirty   bool `json:"dirty"`
}

// withMigrationDB opens the database without migrating it, runs fn and
// prints the resulting schema version.
func withMigrationDB(fn func(*db.DB) error) func(*cli.Context) error {
	return func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
		d, err := db.OpenDB(cfg.Database.Path)
		if err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
		defer d.Close()

		if err := fn(d); err != nil {
			return cli.NewExitError(fmt.Sprintf("migrate %s: %v", c.Command.Name, err), 1)
		}
		version, dirty, err := d.MigrateVersion()
		if err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
		latest, err := db.LatestMigrationVersion()
		if err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
		return printJSON(migrationStatus{Version: version, Latest: latest, Dirty: dirty})
	}
}
