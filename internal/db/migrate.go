package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
)

//go:embed migrations
var embeddedMigrations embed.FS

// Schema names the two independent databases.
type Schema string

const (
	SchemaPII       Schema = "pii"
	SchemaResponses Schema = "responses"
)

type migrationFile struct {
	name string
	data []byte
}

// RunMigrations executes the migrations for (dialect, schema) from
// migrationsDir/<dialect>/<schema>, falling back to the embedded files.
// Every migration is idempotent and is executed on each start.
func RunMigrations(db *sql.DB, dialect Dialect, schema Schema, migrationsDir string) error {
	files, err := loadMigrations(dialect, schema, migrationsDir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no migrations for %s/%s", dialect, schema)
	}
	for _, mf := range files {
		if len(mf.data) == 0 {
			continue
		}
		if _, err := db.Exec(string(mf.data)); err != nil {
			return fmt.Errorf("exec migration %s/%s/%s: %w", dialect, schema, mf.name, err)
		}
	}
	return nil
}

// loadMigrations prefers an override directory when it exists for the
// (dialect, schema) pair; the embedded set is used otherwise.
func loadMigrations(dialect Dialect, schema Schema, dir string) ([]migrationFile, error) {
	if dir != "" {
		root := filepath.Join(dir, string(dialect), string(schema))
		if _, err := os.Stat(root); err == nil {
			return readSQL(os.DirFS(root), ".")
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read migrations: %w", err)
		}
	}
	return readSQL(embeddedMigrations, path.Join("migrations", string(dialect), string(schema)))
}

func readSQL(fsys fs.FS, root string) ([]migrationFile, error) {
	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return nil, fmt.Errorf("read migrations %s: %w", root, err)
	}
	var files []migrationFile
	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".sql" {
			continue
		}
		content, err := fs.ReadFile(fsys, path.Join(root, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		files = append(files, migrationFile{name: entry.Name(), data: content})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].name < files[j].name })
	return files, nil
}
