package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/taskgate/taskgate/internal/secrets"
	"github.com/taskgate/taskgate/internal/store/sqlite"
)

func cmdInit() error {
	ctx := context.Background()
	cfg := loadConfig()

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}

	// Create the database and run migrations.
	db, err := sqlite.New(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("create database: %w", err)
	}
	_ = db.Close()
	fmt.Printf("Database created: %s\n", cfg.DBPath)

	// Generate the age identity used to seal credentials.
	if _, err := secrets.NewAgeEncryptor(cfg.AgeKeyPath); err != nil {
		return fmt.Errorf("create age key: %w", err)
	}
	fmt.Printf("Age key ready: %s\n", cfg.AgeKeyPath)

	// Create default config if not exists.
	if _, err := os.Stat(cfg.ConfigFile); os.IsNotExist(err) {
		defaultCfg := `# Taskgate configuration. Applied to the store on startup.
#
# tool_sources:
#   - workspace: default
#     name: petstore
#     type: openapi
#     config:
#       specUrl: https://petstore3.swagger.io/api/v3/openapi.json
#       baseUrl: https://petstore3.swagger.io/api/v3
#
# policies:
#   - workspace: default
#     pattern: "petstore.delete_*"
#     decision: require_approval
#     priority: 10
#
# credentials:
#   - workspace: default
#     source_key: petstore
#     token: replace-me

tool_sources: []
policies: []
credentials: []
`
		if err := os.WriteFile(cfg.ConfigFile, []byte(defaultCfg), 0o644); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Config file created: %s\n", cfg.ConfigFile)
	} else {
		fmt.Printf("Config file already exists: %s\n", cfg.ConfigFile)
	}

	return nil
}
