package dataset

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

// ImageFolderDataset lists images stored in one directory per grade, named
// "<grade>" or "<grade>_<suffix>" (e.g. "3_he").
type ImageFolderDataset struct {
	imagePaths []string
	labels     []int
}

// NewImageFolderDataset scans root on fs. When suffix is non-empty only
// directories named "<grade>_<suffix>" are used. Images are ordered by grade
// and then by path.
func NewImageFolderDataset(fs afero.Fs, root, suffix string, extensions []string) (*ImageFolderDataset, error) {
	if len(extensions) == 0 {
		extensions = []string{".png"}
	}

	entries, err := afero.ReadDir(fs, root)
	if err != nil {
		return nil, fmt.Errorf("failed to list classes: %w", err)
	}

	dataset := &ImageFolderDataset{}
	for grade := 0; grade < NumGrades; grade++ {
		for _, entry := range entries {
			if !entry.IsDir() || !matchesGrade(entry.Name(), grade, suffix) {
				continue
			}
			classPath := filepath.Join(root, entry.Name())
			var files []string
			for _, ext := range extensions {
				matches, err := afero.Glob(fs, filepath.Join(classPath, "*"+ext))
				if err != nil {
					return nil, fmt.Errorf("failed to list %s: %w", classPath, err)
				}
				files = append(files, matches...)
			}
			sort.Strings(files)
			for _, file := range files {
				dataset.imagePaths = append(dataset.imagePaths, file)
				dataset.labels = append(dataset.labels, grade)
			}
		}
	}

	if len(dataset.imagePaths) == 0 {
		return nil, fmt.Errorf("no images found in %s", root)
	}
	return dataset, nil
}

func matchesGrade(name string, grade int, suffix string) bool {
	prefix := strconv.Itoa(grade)
	if suffix != "" {
		return name == prefix+"_"+suffix
	}
	return name == prefix || strings.HasPrefix(name, prefix+"_")
}

// Len returns the number of items in the dataset
func (d *ImageFolderDataset) Len() int {
	return len(d.imagePaths)
}

// GetItem returns the image path and label at the given index
func (d *ImageFolderDataset) GetItem(index int) (string, int, error) {
	if index < 0 || index >= len(d.imagePaths) {
		return "", 0, fmt.Errorf("index %d out of range [0, %d)", index, len(d.imagePaths))
	}
	return d.imagePaths[index], d.labels[index], nil
}

// Records returns the dataset as label-file rows.
func (d *ImageFolderDataset) Records() []LabelRecord {
	records := make([]LabelRecord, len(d.imagePaths))
	for i := range d.imagePaths {
		records[i] = LabelRecord{Data: d.imagePaths[i], Label: d.labels[i]}
	}
	return records
}

// ClassDistribution returns the number of samples per grade
func (d *ImageFolderDataset) ClassDistribution() map[int]int {
	return distribution(d.labels)
}

func (d *ImageFolderDataset) String() string {
	return describe("ImageFolderDataset", d.labels)
}

func distribution(labels []int) map[int]int {
	dist := make(map[int]int)
	for _, label := range labels {
		dist[label]++
	}
	return dist
}

func describe(name string, labels []int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %d samples, %d grades\n", name, len(labels), NumGrades)
	dist := distribution(labels)
	for grade := 0; grade < NumGrades; grade++ {
		fmt.Fprintf(&sb, "  grade %d: %d samples\n", grade, dist[grade])
	}
	return sb.String()
}
