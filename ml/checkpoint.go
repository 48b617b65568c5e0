package ml

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"io"
	"math"
	"math/rand/v2"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Checkpoint file layout:
//
//	magic "NMLP" | uint32 version | uint64 header length | JSON header | tensor data
//
// Tensor data is little-endian float64, one tensor after another at the
// offsets listed in the header's state_dict index.
const (
	checkpointMagic   = "NMLP"
	checkpointVersion = 1
	maxHeaderSize     = 16 << 20
)

// Required header keys.
const (
	keyInputSize    = "input_size"
	keyOutputSize   = "output_size"
	keyHiddenLayers = "hidden_layers"
	keyStateDict    = "state_dict"
)

var requiredKeys = []string{keyInputSize, keyOutputSize, keyHiddenLayers, keyStateDict}

// Checkpoint is everything needed to rebuild a trained model.
type Checkpoint struct {
	InputSize    int
	OutputSize   int
	HiddenLayers []int
	StateDict    map[string]*Matrix
	Meta         CheckpointMeta
}

// CheckpointMeta is optional information stored alongside the architecture.
type CheckpointMeta struct {
	Activation ActivationType
	Dropout    float64
	RunID      string
	CreatedAt  time.Time
}

type tensorMeta struct {
	Name   string `json:"name"`
	Shape  Shape  `json:"shape"`
	Offset int64  `json:"offset"`
}

type checkpointHeader struct {
	InputSize    int          `json:"input_size"`
	OutputSize   int          `json:"output_size"`
	HiddenLayers []int        `json:"hidden_layers"`
	StateDict    []tensorMeta `json:"state_dict"`
	Activation   string       `json:"activation,omitempty"`
	Dropout      float64      `json:"dropout"`
	RunID        string       `json:"run_id,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	Checksum     string       `json:"checksum,omitempty"`
}

// NewCheckpoint snapshots m. The state dict holds copies of the parameters.
func NewCheckpoint(m *Model) *Checkpoint {
	return &Checkpoint{
		InputSize:    m.InputSize,
		OutputSize:   m.OutputSize,
		HiddenLayers: m.Architecture(),
		StateDict:    m.StateDict(),
		Meta: CheckpointMeta{
			Activation: m.Activation,
			Dropout:    m.DropoutRate,
			RunID:      uuid.NewString(),
			CreatedAt:  time.Now().UTC(),
		},
	}
}

// Model builds a fresh model with the checkpoint's architecture and assigns
// the stored parameters to it.
func (c *Checkpoint) Model() (*Model, error) {
	nw, err := NewClassifier(c.InputSize, c.OutputSize, c.HiddenLayers,
		Dropout(c.Meta.Dropout),
		Activation(c.Meta.Activation.String()),
		WithRand(rand.New(rand.NewPCG(0, 0))),
	)
	if err != nil {
		return nil, errors.Wrap(err, "rebuild model from checkpoint")
	}
	if err := nw.LoadStateDict(c.StateDict); err != nil {
		return nil, err
	}
	return nw, nil
}

// Save writes m to path.
func Save(m *Model, path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "save checkpoint %s", path)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = errors.Wrapf(closeErr, "save checkpoint %s", path)
		}
	}()

	w := bufio.NewWriter(f)
	if err := Encode(w, NewCheckpoint(m)); err != nil {
		return errors.Wrapf(err, "save checkpoint %s", path)
	}
	return w.Flush()
}

// Load reads a checkpoint and reconstructs the model it describes.
func Load(path string) (*Model, error) {
	c, err := ReadCheckpoint(path)
	if err != nil {
		return nil, err
	}
	return c.Model()
}

// LoadInto assigns the parameters stored at path to an existing model. When
// the architectures differ, the *ShapeMismatchError names every parameter
// whose stored shape disagrees with the model's.
func LoadInto(m *Model, path string) error {
	c, err := ReadCheckpoint(path)
	if err != nil {
		return err
	}
	return m.LoadStateDict(c.StateDict)
}

// ReadCheckpoint decodes the checkpoint stored at path.
func ReadCheckpoint(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "load checkpoint %s", path)
	}
	defer f.Close()

	c, err := Decode(bufio.NewReader(f))
	if err != nil {
		return nil, errors.Wrapf(err, "load checkpoint %s", path)
	}
	return c, nil
}

// Encode writes c to w.
func Encode(w io.Writer, c *Checkpoint) error {
	header := checkpointHeader{
		InputSize:    c.InputSize,
		OutputSize:   c.OutputSize,
		HiddenLayers: make([]int, len(c.HiddenLayers)),
		Activation:   c.Meta.Activation.String(),
		Dropout:      c.Meta.Dropout,
		RunID:        c.Meta.RunID,
		CreatedAt:    c.Meta.CreatedAt,
	}
	copy(header.HiddenLayers, c.HiddenLayers)

	// Tensor data in a stable order: architecture order first, then anything else by name.
	var data bytes.Buffer
	for _, name := range stateDictOrder(c) {
		t := c.StateDict[name]
		header.StateDict = append(header.StateDict, tensorMeta{Name: name, Shape: t.Shape(), Offset: int64(data.Len())})
		buf := make([]byte, 8)
		for _, v := range t.data {
			binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
			data.Write(buf)
		}
	}
	sum := sha256.Sum256(data.Bytes())
	header.Checksum = hex.EncodeToString(sum[:])

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "marshal header")
	}

	if _, err := io.WriteString(w, checkpointMagic); err != nil {
		return errors.Wrap(err, "write magic")
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(checkpointVersion)); err != nil {
		return errors.Wrap(err, "write version")
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(headerJSON))); err != nil {
		return errors.Wrap(err, "write header size")
	}
	if _, err := w.Write(headerJSON); err != nil {
		return errors.Wrap(err, "write header")
	}
	if _, err := w.Write(data.Bytes()); err != nil {
		return errors.Wrap(err, "write tensor data")
	}
	return nil
}

// Decode reads a checkpoint written by Encode. Missing required keys are
// reported as *MissingKeyError; other format problems wrap ErrMalformedCheckpoint.
// Tensor shapes are not checked against the architecture here; Model and
// LoadStateDict do that.
func Decode(r io.Reader) (*Checkpoint, error) {
	magic := make([]byte, len(checkpointMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, errors.Wrapf(ErrMalformedCheckpoint, "read magic: %v", err)
	}
	if string(magic) != checkpointMagic {
		return nil, errors.Wrapf(ErrMalformedCheckpoint, "invalid magic bytes %q", magic)
	}

	var version uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, errors.Wrapf(ErrMalformedCheckpoint, "read version: %v", err)
	}
	if version != checkpointVersion {
		return nil, errors.Wrapf(ErrMalformedCheckpoint, "unsupported version %d", version)
	}

	var headerSize uint64
	if err := binary.Read(r, binary.LittleEndian, &headerSize); err != nil {
		return nil, errors.Wrapf(ErrMalformedCheckpoint, "read header size: %v", err)
	}
	if headerSize > maxHeaderSize {
		return nil, errors.Wrapf(ErrMalformedCheckpoint, "header size %d exceeds %d", headerSize, maxHeaderSize)
	}
	headerJSON := make([]byte, headerSize)
	if _, err := io.ReadFull(r, headerJSON); err != nil {
		return nil, errors.Wrapf(ErrMalformedCheckpoint, "read header: %v", err)
	}

	header, err := parseHeader(headerJSON)
	if err != nil {
		return nil, err
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "read tensor data")
	}
	if header.Checksum != "" {
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != header.Checksum {
			return nil, ErrChecksumMismatch
		}
	}

	c := &Checkpoint{
		InputSize:    header.InputSize,
		OutputSize:   header.OutputSize,
		HiddenLayers: header.HiddenLayers,
		StateDict:    make(map[string]*Matrix, len(header.StateDict)),
		Meta: CheckpointMeta{
			Activation: ActRelu,
			Dropout:    header.Dropout,
			RunID:      header.RunID,
			CreatedAt:  header.CreatedAt,
		},
	}
	if header.Activation != "" {
		act, err := ParseActivation(header.Activation)
		if err != nil {
			return nil, errors.Wrap(ErrMalformedCheckpoint, err.Error())
		}
		c.Meta.Activation = act
	}

	for _, t := range header.StateDict {
		rows, cols := t.Shape[0], t.Shape[1]
		if rows <= 0 || cols <= 0 {
			return nil, errors.Wrapf(ErrMalformedCheckpoint, "tensor %q has invalid shape %v", t.Name, t.Shape)
		}
		if _, dup := c.StateDict[t.Name]; dup {
			return nil, errors.Wrapf(ErrMalformedCheckpoint, "tensor %q listed twice", t.Name)
		}
		if int64(rows) > (math.MaxInt64/8)/int64(cols) {
			return nil, errors.Wrapf(ErrMalformedCheckpoint, "tensor %q shape %v is too large", t.Name, t.Shape)
		}
		size := int64(rows) * int64(cols) * 8
		if t.Offset < 0 || t.Offset > int64(len(data)) || size > int64(len(data))-t.Offset {
			return nil, errors.Wrapf(ErrMalformedCheckpoint, "tensor %q extends beyond data section", t.Name)
		}
		m := NewMatrix(rows, cols)
		raw := data[t.Offset : t.Offset+size]
		for i := range m.data {
			m.data[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
		}
		c.StateDict[t.Name] = m
	}
	return c, nil
}

// parseHeader checks that every required key is present before decoding.
func parseHeader(headerJSON []byte) (*checkpointHeader, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(headerJSON, &fields); err != nil {
		return nil, errors.Wrapf(ErrMalformedCheckpoint, "parse header: %v", err)
	}
	for _, key := range requiredKeys {
		raw, ok := fields[key]
		if !ok || string(raw) == "null" {
			return nil, &MissingKeyError{Key: key}
		}
	}

	var header checkpointHeader
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, errors.Wrapf(ErrMalformedCheckpoint, "parse header: %v", err)
	}
	return &header, nil
}

func stateDictOrder(c *Checkpoint) []string {
	order := make([]string, 0, len(c.StateDict))
	seen := make(map[string]bool, len(c.StateDict))
	add := func(name string) {
		if _, ok := c.StateDict[name]; ok && !seen[name] {
			order = append(order, name)
			seen[name] = true
		}
	}
	for _, name := range ParameterNames(len(c.HiddenLayers)) {
		add(name)
	}
	rest := make([]string, 0)
	for name := range c.StateDict {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	for _, name := range rest {
		add(name)
	}
	return order
}
