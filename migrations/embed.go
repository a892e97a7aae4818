// Package migrations embeds the SQL schema migrations for the noetl database
// and validates their naming, pairing and sequencing at startup. Embedding the
// files means the migrator binary needs no external migration directory.
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
)

//go:embed *.sql
var FS embed.FS

// Migration files follow 001_name.up.sql / 001_name.down.sql.
var filenamePattern = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

// File describes one parsed migration file.
type File struct {
	Sequence  int
	Name      string
	Direction string
	Filename  string
}

// Files returns the embedded migration filenames that match the naming
// standard, sorted lexicographically. Files with nonconforming names are
// ignored rather than applied by accident.
func Files() ([]string, error) {
	entries, err := fs.ReadDir(FS, ".")
	if err != nil {
		return nil, fmt.Errorf("reading embedded migrations: %w", err)
	}

	var files []string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		if filenamePattern.MatchString(entry.Name()) {
			files = append(files, entry.Name())
		}
	}

	sort.Strings(files)

	return files, nil
}

// Parse extracts the sequence, name and direction from a migration filename.
func Parse(filename string) (File, error) {
	matches := filenamePattern.FindStringSubmatch(filename)
	if len(matches) != 4 {
		return File{}, fmt.Errorf(
			"invalid migration filename %q (want 001_name.up.sql / 001_name.down.sql)",
			filename,
		)
	}

	seq, err := strconv.Atoi(matches[1])
	if err != nil {
		return File{}, fmt.Errorf("invalid sequence in %q: %w", filename, err)
	}

	return File{
		Sequence:  seq,
		Name:      matches[2],
		Direction: matches[3],
		Filename:  filename,
	}, nil
}

// Validate checks the embedded set as a whole: at least one migration, every
// up has a matching down, and sequence numbers start at 1 with no gaps.
func Validate() error {
	files, err := Files()
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return fmt.Errorf("no embedded migration files found")
	}

	pairs := make(map[string]map[string]bool)
	seqs := make(map[int]bool)

	for _, filename := range files {
		f, err := Parse(filename)
		if err != nil {
			return err
		}

		key := fmt.Sprintf("%03d_%s", f.Sequence, f.Name)
		if pairs[key] == nil {
			pairs[key] = make(map[string]bool)
		}

		pairs[key][f.Direction] = true
		seqs[f.Sequence] = true
	}

	for key, directions := range pairs {
		if !directions["up"] {
			return fmt.Errorf("orphaned down migration: missing up for %s", key)
		}

		if !directions["down"] {
			return fmt.Errorf("orphaned up migration: missing down for %s", key)
		}
	}

	var ordered []int
	for seq := range seqs {
		ordered = append(ordered, seq)
	}

	sort.Ints(ordered)

	if ordered[0] != 1 {
		return fmt.Errorf("migration sequence must start at 001, found %03d", ordered[0])
	}

	for i := 1; i < len(ordered); i++ {
		if ordered[i] != ordered[i-1]+1 {
			return fmt.Errorf(
				"gap in migration sequence: expected %03d, found %03d",
				ordered[i-1]+1, ordered[i],
			)
		}
	}

	return nil
}

// MaxVersion returns the highest sequence number among the embedded files.
func MaxVersion() int {
	files, err := Files()
	if err != nil {
		return 0
	}

	maxSeq := 0

	for _, filename := range files {
		if f, err := Parse(filename); err == nil && f.Sequence > maxSeq {
			maxSeq = f.Sequence
		}
	}

	return maxSeq
}
