package migrate

import (
	"fmt"
	"io/fs"
	"regexp"
	"strings"
)

var (
	versionRe  = regexp.MustCompile(`^\d{14}$`)
	fileNameRe = regexp.MustCompile(`^(\d{14})_[a-z0-9_]+\.sql$`)
)

const (
	annotationUp    = "-- +goose Up"
	annotationDown  = "-- +goose Down"
	annotationBegin = "-- +goose StatementBegin"
	annotationEnd   = "-- +goose StatementEnd"
)

// Validate checks file names, version uniqueness and goose annotations of
// every .sql file at the root of fsys.
func Validate(fsys fs.FS) error {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}

	versions := make(map[string]string, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}

		match := fileNameRe.FindStringSubmatch(name)
		if match == nil {
			return fmt.Errorf("invalid migration filename %q (expected YYYYMMDDHHMMSS_name.sql)", name)
		}
		if other, dup := versions[match[1]]; dup {
			return fmt.Errorf("version %s used by both %q and %q", match[1], other, name)
		}
		versions[match[1]] = name

		body, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("read %q: %w", name, err)
		}
		if err := checkAnnotations(name, string(body)); err != nil {
			return err
		}
	}
	return nil
}

func checkAnnotations(name, body string) error {
	up := strings.Index(body, annotationUp)
	down := strings.Index(body, annotationDown)
	switch {
	case up < 0:
		return fmt.Errorf("migration %q has no %q section", name, annotationUp)
	case down < 0:
		return fmt.Errorf("migration %q has no %q section", name, annotationDown)
	case down < up:
		return fmt.Errorf("migration %q declares Down before Up", name)
	}

	for _, section := range []string{body[up:down], body[down:]} {
		begins := strings.Count(section, annotationBegin)
		ends := strings.Count(section, annotationEnd)
		if begins != ends {
			return fmt.Errorf("migration %q has %d StatementBegin and %d StatementEnd in one section", name, begins, ends)
		}
	}
	return nil
}
