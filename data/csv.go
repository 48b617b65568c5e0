package data

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/b0tShaman/neuro-mlp/ml"
	"github.com/pkg/errors"
)

// LoadCSV reads a dataset whose first column is the class label and whose
// remaining columns are features (the MNIST CSV layout). A first row whose
// label field is not a number is treated as a header and skipped.
func LoadCSV(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open csv")
	}
	defer f.Close()

	ds, err := ReadCSV(f)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	return ds, nil
}

func ReadCSV(r io.Reader) (*Dataset, error) {
	reader := csv.NewReader(r)
	reader.ReuseRecord = true
	reader.FieldsPerRecord = -1

	var (
		features []float64
		labels   []int
		width    = -1
		line     = 0
	)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "parse csv")
		}
		line++
		if len(record) < 2 {
			return nil, errors.Errorf("line %d: need a label and at least one feature", line)
		}

		label, err := strconv.Atoi(strings.TrimSpace(record[0]))
		if err != nil {
			if line == 1 {
				continue // header
			}
			return nil, errors.Errorf("line %d: label %q is not an integer", line, record[0])
		}
		if label < 0 {
			return nil, errors.Errorf("line %d: negative label %d", line, label)
		}

		if width == -1 {
			width = len(record) - 1
		} else if len(record)-1 != width {
			return nil, errors.Errorf("line %d: %d features, expected %d", line, len(record)-1, width)
		}

		for _, field := range record[1:] {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				return nil, errors.Wrapf(err, "line %d", line)
			}
			features = append(features, v)
		}
		labels = append(labels, label)
	}

	if len(labels) == 0 {
		return nil, errors.New("csv contains no samples")
	}
	return NewDataset(ml.NewMatrixFromSlice(len(labels), width, features), labels)
}
