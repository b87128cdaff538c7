package main

import (
	"fmt"

	"github.com/always-cache/always-redirect/config"
	"github.com/always-cache/always-redirect/redirect"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newImportCmd(loadConfig func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Import the rules of a YAML rule file into SQLite",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			n, err := importRules(c.SQLiteFilename(), args[0])
			if err != nil {
				return err
			}
			log.Info().Int("rules", n).Str("file", args[0]).Msg("Imported rules")
			return nil
		},
	}
}

// importRules stores all rules of the file in one transaction.
// Patterns are not imported, they only live in rule files.
func importRules(dbFilename, rulesFilename string) (int, error) {
	if dbFilename == "" {
		return 0, fmt.Errorf("please specify a sqlite database")
	}
	f, err := redirect.LoadRulesFile(rulesFilename)
	if err != nil {
		return 0, err
	}
	db, err := redirect.NewSQLiteRules(dbFilename)
	if err != nil {
		return 0, err
	}
	defer db.Close()
	if err := db.PutAll(f.Rules); err != nil {
		return 0, err
	}
	if len(f.Patterns) > 0 {
		log.Warn().Int("patterns", len(f.Patterns)).Msg("Patterns are not imported")
	}
	return len(f.Rules), nil
}
