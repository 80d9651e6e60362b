package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"crash/internal/config"
	"crash/internal/database"
	"crash/internal/logger"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg := config.Load()
	logger.Init(logger.Config{Level: cfg.Log.Level, Format: "console"})
	ctx := context.Background()

	command := os.Args[1]

	// empty means the migrations compiled into the binary
	migrationsPath := os.Getenv("MIGRATIONS_PATH")

	if command == "create" {
		if len(os.Args) < 3 {
			logger.Fatal(ctx).Msg("Usage: migrate create <migration_name>")
		}
		dir := migrationsPath
		if dir == "" {
			dir = "./internal/database/migrations"
		}
		createMigration(ctx, dir, os.Args[2])
		return
	}

	db, err := database.OpenSQL(cfg.Database)
	if err != nil {
		logger.Fatal(ctx).Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	switch command {
	case "up":
		logger.Info(ctx).Msg("Running migrations...")
		if err := database.RunMigrations(db, migrationsPath); err != nil {
			logger.Fatal(ctx).Err(err).Msg("Migration failed")
		}
		logger.Info(ctx).Msg("Migrations completed successfully")

	case "down":
		logger.Info(ctx).Msg("Rolling back last migration...")
		if err := database.RollbackMigration(db, migrationsPath); err != nil {
			logger.Fatal(ctx).Err(err).Msg("Rollback failed")
		}
		logger.Info(ctx).Msg("Rollback completed successfully")

	case "version":
		version, dirty, err := database.GetMigrationVersion(db, migrationsPath)
		if err != nil {
			logger.Fatal(ctx).Err(err).Msg("Failed to get version")
		}
		if dirty {
			logger.Warn(ctx).Uint("version", version).Msg("Current version is DIRTY - needs manual intervention")
		} else {
			logger.Info(ctx).Uint("version", version).Msg("Current version")
		}

	default:
		logger.Error(ctx).Str("command", command).Msg("Unknown command")
		printUsage()
		os.Exit(1)
	}
}

func createMigration(ctx context.Context, dir, name string) {
	files, err := os.ReadDir(dir)
	if err != nil {
		logger.Fatal(ctx).Err(err).Msg("Failed to read migrations directory")
	}

	count := 0
	for _, file := range files {
		if !file.IsDir() && filepath.Ext(file.Name()) == ".sql" {
			count++
		}
	}
	nextVersion := count/2 + 1 // Each migration has up and down files

	upFile := filepath.Join(dir, fmt.Sprintf("%06d_%s.up.sql", nextVersion, name))
	downFile := filepath.Join(dir, fmt.Sprintf("%06d_%s.down.sql", nextVersion, name))

	upContent := fmt.Sprintf("-- Migration: %s\n-- Created: %s\n\n-- Add your SQL here\n", name, time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(upFile, []byte(upContent), 0644); err != nil {
		logger.Fatal(ctx).Err(err).Msg("Failed to create up migration")
	}
	downContent := fmt.Sprintf("-- Rollback: %s\n\n-- Add your rollback SQL here\n", name)
	if err := os.WriteFile(downFile, []byte(downContent), 0644); err != nil {
		logger.Fatal(ctx).Err(err).Msg("Failed to create down migration")
	}

	logger.Info(ctx).Str("up", upFile).Str("down", downFile).Msg("Created migration files")
}

func printUsage() {
	fmt.Println("Database Migration Tool")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  migrate up              Run all pending migrations")
	fmt.Println("  migrate down            Rollback the last migration")
	fmt.Println("  migrate version         Show current migration version")
	fmt.Println("  migrate create <name>   Create a new migration file")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  BLUEPRINT_DB_HOST       Database host (default: localhost)")
	fmt.Println("  BLUEPRINT_DB_PORT       Database port (default: 5432)")
	fmt.Println("  BLUEPRINT_DB_DATABASE   Database name (default: crashdb)")
	fmt.Println("  BLUEPRINT_DB_USERNAME   Database user (default: postgres)")
	fmt.Println("  BLUEPRINT_DB_PASSWORD   Database password (default: postgres)")
	fmt.Println("  BLUEPRINT_DB_SCHEMA     Database schema (default: public)")
	fmt.Println("  MIGRATIONS_PATH         Migrations directory (default: embedded)")
}
