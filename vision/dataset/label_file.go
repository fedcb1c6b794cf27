package dataset

import (
	"fmt"
	"path/filepath"

	"github.com/gocarina/gocsv"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
)

// NumGrades is the number of Kellgren-Lawrence grades (0 to 4).
const NumGrades = 5

// LabelRecord is one row of a label file: an image path and its grade.
type LabelRecord struct {
	Data  string `csv:"data"`
	Label int    `csv:"label"`
}

// ReadLabelFile parses a CSV with the header "data,label". Grades outside
// [0, NumGrades) are rejected.
func ReadLabelFile(fs afero.Fs, path string) ([]LabelRecord, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open label file: %w", err)
	}
	defer f.Close()

	var records []LabelRecord
	if err := gocsv.Unmarshal(f, &records); err != nil {
		return nil, fmt.Errorf("failed to parse label file %s: %w", path, err)
	}
	for i, r := range records {
		if r.Data == "" {
			return nil, fmt.Errorf("%s row %d: empty image path", path, i+2)
		}
		if r.Label < 0 || r.Label >= NumGrades {
			return nil, fmt.Errorf("%s row %d: grade %d out of range [0, %d)", path, i+2, r.Label, NumGrades)
		}
	}
	return records, nil
}

// WriteLabelFile writes records as a "data,label" CSV, creating parent
// directories as needed.
func WriteLabelFile(fs afero.Fs, path string, records []LabelRecord) (err error) {
	if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create label directory: %w", err)
	}
	f, err := fs.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create label file: %w", err)
	}
	defer func() {
		err = multierr.Append(err, f.Close())
	}()

	if err := gocsv.Marshal(&records, f); err != nil {
		return fmt.Errorf("failed to write label file %s: %w", path, err)
	}
	return nil
}
