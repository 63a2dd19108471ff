//go:build mage
// +build mage

package main

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
	_ "modernc.org/sqlite"
)

// Build builds the triage binary
func Build() error {
	mg.Deps(Lint, Test)
	fmt.Println("Building triage...")
	return sh.RunV("go", "build",
		"-o", "bin/triage",
		"-ldflags", "-s -w",
		"./cmd/triage")
}

// Test runs unit tests
func Test() error {
	fmt.Println("Running Go tests...")
	return sh.RunV("go", "test", "-race", "-coverprofile=coverage.out", "./...")
}

// TestLive runs the tests that call a real model, using ./config.json
func TestLive() error {
	fmt.Println("Running live model tests...")
	return sh.RunWithV(map[string]string{"TRIAGE_RUN_LIVE_TESTS": "1"},
		"go", "test", "-v", "-count=1", "./testcases/...")
}

// Lint runs go vet and golangci-lint
func Lint() error {
	fmt.Println("Running linters...")
	if err := sh.RunV("go", "vet", "./..."); err != nil {
		return err
	}
	return sh.RunV("golangci-lint", "run")
}

// Stats prints the number of stored consultation records per collection.
// TRIAGE_DB overrides the default database path.
func Stats() error {
	path := os.Getenv("TRIAGE_DB")
	if path == "" {
		path = "data/consultations.db"
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("vector store %s: %w", path, err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	defer db.Close()

	rows, err := db.Query(`SELECT collection, COUNT(*) FROM documents GROUP BY collection ORDER BY collection`)
	if err != nil {
		return fmt.Errorf("count documents: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var collection string
		var n int
		if err := rows.Scan(&collection, &n); err != nil {
			return err
		}
		fmt.Printf("%-24s %d\n", collection, n)
	}
	return rows.Err()
}
