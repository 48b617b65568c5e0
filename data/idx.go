package data

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"github.com/b0tShaman/neuro-mlp/ml"
	"github.com/pkg/errors"
)

const (
	idxImagesMagic = 2051 // 0x00000803
	idxLabelsMagic = 2049 // 0x00000801

	// maxIDXValues caps pixels (or labels) read from one file.
	maxIDXValues = 1 << 28
)

// LoadIDX reads an MNIST-style pair of IDX files (images and labels) and
// returns a dataset with pixels scaled to [0, 1].
func LoadIDX(imagesPath, labelsPath string) (*Dataset, error) {
	images, err := openIDX(imagesPath, ReadIDXImages)
	if err != nil {
		return nil, err
	}
	labels, err := openIDX(labelsPath, ReadIDXLabels)
	if err != nil {
		return nil, err
	}
	if images.Rows() != len(labels) {
		return nil, errors.Errorf("idx: %d images but %d labels", images.Rows(), len(labels))
	}
	return NewDataset(images, labels)
}

func openIDX[T any](path string, read func(io.Reader) (T, error)) (T, error) {
	var zero T
	f, err := os.Open(path)
	if err != nil {
		return zero, errors.Wrap(err, "open idx file")
	}
	defer f.Close()

	v, err := read(bufio.NewReader(f))
	if err != nil {
		return zero, errors.Wrapf(err, "read %s", path)
	}
	return v, nil
}

// ReadIDXImages reads an IDX image file.
//
// IDX file format for images:
//
//	magic number: 0x00000803 (2051)
//	number of images: 4 bytes
//	number of rows: 4 bytes
//	number of cols: 4 bytes
//	pixel data: unsigned bytes (0-255)
//
// Each image becomes one row of the returned matrix, scaled to [0, 1].
func ReadIDXImages(r io.Reader) (*ml.Matrix, error) {
	var header [4]uint32
	if err := binary.Read(r, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	if header[0] != idxImagesMagic {
		return nil, errors.Errorf("invalid magic number: got %d, want %d", header[0], idxImagesMagic)
	}

	count, size := int64(header[1]), int64(header[2])*int64(header[3])
	if count == 0 || size == 0 {
		return nil, errors.Errorf("empty image file (%d images of %dx%d)", count, header[2], header[3])
	}
	if size > maxIDXValues/count {
		return nil, errors.Errorf("image file too large (%d images of %dx%d)", count, header[2], header[3])
	}
	numImages, imageSize := int(count), int(size)

	out := ml.NewMatrix(numImages, imageSize)
	pixels := make([]byte, imageSize)
	for i := 0; i < numImages; i++ {
		if _, err := io.ReadFull(r, pixels); err != nil {
			return nil, errors.Wrapf(err, "read image %d", i)
		}
		row := out.Row(i)
		for j, p := range pixels {
			row[j] = float64(p) / 255.0
		}
	}
	return out, nil
}

// ReadIDXLabels reads an IDX label file.
//
// IDX file format for labels:
//
//	magic number: 0x00000801 (2049)
//	number of labels: 4 bytes
//	label data: unsigned bytes
func ReadIDXLabels(r io.Reader) ([]int, error) {
	var header [2]uint32
	if err := binary.Read(r, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	if header[0] != idxLabelsMagic {
		return nil, errors.Errorf("invalid magic number: got %d, want %d", header[0], idxLabelsMagic)
	}

	if header[1] > maxIDXValues {
		return nil, errors.Errorf("label file too large (%d labels)", header[1])
	}
	raw, err := io.ReadAll(io.LimitReader(r, int64(header[1])))
	if err != nil {
		return nil, errors.Wrap(err, "read labels")
	}
	if len(raw) != int(header[1]) {
		return nil, errors.Wrapf(io.ErrUnexpectedEOF, "read labels: got %d of %d", len(raw), header[1])
	}
	labels := make([]int, len(raw))
	for i, b := range raw {
		labels[i] = int(b)
	}
	return labels, nil
}
