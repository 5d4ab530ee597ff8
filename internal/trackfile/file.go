package trackfile

import (
	"os"
	"path/filepath"
)

// LoadFile parses the .track file at path.
func LoadFile(path string) (*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Parse(f)
}

// SaveAtomic writes record to path by writing a temp file in the same
// directory and renaming it into place, so a reader never observes a
// partially written .track file.
func SaveAtomic(path string, record *Record) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".track-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if err := record.WriteTo(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	return os.Rename(tmpPath, path)
}
