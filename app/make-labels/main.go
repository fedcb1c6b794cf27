// Command make-labels writes the data,label CSV consumed by kfold-train from
// a directory holding one folder of PNG images per grade.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	arg "github.com/alexflint/go-arg"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/oaikl/kneegrade/vision/dataset"
)

type args struct {
	Root     string   `arg:"positional" help:"directory holding the <grade>_<suffix> folders"`
	Out      string   `arg:"-o,--out" help:"label file to write"`
	Suffix   string   `arg:"--suffix" help:"grade folder suffix; empty accepts <grade> and <grade>_*"`
	Ext      []string `arg:"--ext" help:"image extensions"`
	Relative bool     `arg:"--relative" help:"store paths relative to root"`
}

func (args) Description() string {
	return "Build a knee X-ray label file from per-grade image folders."
}

func main() {
	a := args{
		Root:   "./KneeXray/train",
		Out:    "./KneeXray/Train_he.csv",
		Suffix: "he",
	}
	arg.MustParse(&a)

	if err := run(afero.NewOsFs(), a, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "make-labels:", err)
		os.Exit(1)
	}
}

func run(fs afero.Fs, a args, out io.Writer) error {
	folder, err := dataset.NewImageFolderDataset(fs, a.Root, a.Suffix, normalizeExts(a.Ext))
	if err != nil {
		return err
	}

	records := folder.Records()
	if a.Relative {
		for i := range records {
			rel, err := filepath.Rel(a.Root, records[i].Data)
			if err != nil {
				return errors.Wrapf(err, "relative path of %s", records[i].Data)
			}
			records[i].Data = filepath.ToSlash(rel)
		}
	}

	if err := dataset.WriteLabelFile(fs, a.Out, records); err != nil {
		return err
	}
	fmt.Fprint(out, folder.String())
	fmt.Fprintf(out, "wrote %d rows to %s\n", len(records), a.Out)
	return nil
}

func normalizeExts(exts []string) []string {
	var res []string
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		res = append(res, e)
	}
	return res
}
