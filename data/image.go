package data

import (
	"image"
	_ "image/jpeg" // Essential: Registers JPEG format
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/b0tShaman/neuro-mlp/ml"
	"github.com/pkg/errors"
	"golang.org/x/image/draw"
)

var imageExts = map[string]bool{".png": true, ".jpg": true, ".jpeg": true}

// ImageToVector converts an image of any size to a grayscale vector of
// targetW*targetH values in [0, 1], row-major.
func ImageToVector(path string, targetW, targetH int) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open image")
	}
	defer f.Close()

	out, err := DecodeImageVector(f, targetW, targetH)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	return out, nil
}

func DecodeImageVector(r io.Reader, targetW, targetH int) ([]float64, error) {
	if targetW <= 0 || targetH <= 0 {
		return nil, errors.Errorf("invalid target size %dx%d", targetW, targetH)
	}
	src, _, err := image.Decode(r)
	if err != nil {
		return nil, err
	}

	// Resize to 28x28 (or whatever the network expects)
	dst := image.NewRGBA(image.Rect(0, 0, targetW, targetH))
	draw.CatmullRom.Scale(dst, dst.Rect, src, src.Bounds(), draw.Over, nil)

	out := make([]float64, 0, targetW*targetH)
	bounds := dst.Bounds()

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := dst.At(x, y).RGBA()
			// Standard Grayscale formula
			gray := 0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(b>>8)
			out = append(out, gray/255.0)
		}
	}
	return out, nil
}

// LoadImageFolder builds a dataset from root/<class>/<image> files. Class
// directories are sorted by name and numbered from 0; the names are returned
// in label order. Files with other extensions are ignored.
func LoadImageFolder(root string, targetW, targetH int) (*Dataset, []string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, nil, errors.Wrap(err, "read image folder")
	}

	var classes []string
	for _, e := range entries {
		if e.IsDir() {
			classes = append(classes, e.Name())
		}
	}
	sort.Strings(classes)
	if len(classes) == 0 {
		return nil, nil, errors.Errorf("%s has no class directories", root)
	}

	var (
		features []float64
		labels   []int
	)
	for label, class := range classes {
		files, err := os.ReadDir(filepath.Join(root, class))
		if err != nil {
			return nil, nil, errors.Wrapf(err, "read class %s", class)
		}
		for _, file := range files {
			if file.IsDir() || !imageExts[strings.ToLower(filepath.Ext(file.Name()))] {
				continue
			}
			vec, err := ImageToVector(filepath.Join(root, class, file.Name()), targetW, targetH)
			if err != nil {
				return nil, nil, err
			}
			features = append(features, vec...)
			labels = append(labels, label)
		}
	}
	if len(labels) == 0 {
		return nil, nil, errors.Errorf("%s contains no images", root)
	}

	ds, err := NewDataset(ml.NewMatrixFromSlice(len(labels), targetW*targetH, features), labels)
	if err != nil {
		return nil, nil, err
	}
	return ds, classes, nil
}
