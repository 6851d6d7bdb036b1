// Package db maps a validated driver/DSN pair onto the right GORM
// dialector. Defaults live in config; callers pass concrete values.
package db

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	sqliteDriver "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func Open(driver, dsn string) (*gorm.DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("dsn is required")
	}

	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite":
		if dir, ok := sqliteParentDir(dsn); ok {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite db dir: %w", err)
			}
		}
		return gorm.Open(sqliteDriver.Open(dsn), &gorm.Config{})
	case "postgres":
		return gorm.Open(postgres.Open(dsn), &gorm.Config{})
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
}

// sqliteParentDir extracts the directory that must exist before sqlite
// can create its database file. Memory DSNs and bare filenames need no
// directory.
func sqliteParentDir(dsn string) (string, bool) {
	path := dsn
	if strings.HasPrefix(strings.ToLower(path), "file:") {
		parsed, err := url.Parse(path)
		if err != nil {
			path = strings.TrimPrefix(path, "file:")
		} else {
			if strings.EqualFold(parsed.Query().Get("mode"), "memory") {
				return "", false
			}
			if parsed.Path != "" {
				path = parsed.Path
			} else {
				path = parsed.Opaque
			}
		}
	}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || strings.HasPrefix(strings.ToLower(path), ":memory:") {
		return "", false
	}

	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return "", false
	}
	return dir, true
}
