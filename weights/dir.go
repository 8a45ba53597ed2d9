package weights

import (
	"fmt"
	"os"
	"path/filepath"
)

// VocabFile is the merge table shipped next to the weight blobs.
const VocabFile = "bpe_simple_vocab_16e6.txt"

// Dir reads blobs from <root>/bins.
type Dir string

func (d Dir) Bins() string {
	return filepath.Join(string(d), "bins")
}

func (d Dir) Path(t Tensor) string {
	return filepath.Join(d.Bins(), t.File())
}

func (d Dir) VocabPath() string {
	return filepath.Join(d.Bins(), VocabFile)
}

// ConfigPath is the optional network configuration override.
func (d Dir) ConfigPath() string {
	return filepath.Join(string(d), "config.json")
}

func (d Dir) Load(t Tensor) ([]float32, error) {
	path := d.Path(t)
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", t.Name, err)
	}

	if want := t.Elems() * t.DType.Size(); fi.Size() != int64(want) {
		return nil, &SizeError{Name: t.Name, Want: want, Got: int(fi.Size())}
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", t.Name, err)
	}

	return Decode(t.DType, b)
}

// Store writes a blob in the on-disk format.
func (d Dir) Store(t Tensor, s []float32) error {
	if len(s) != t.Elems() {
		return &SizeError{Name: t.Name, Want: t.Elems() * t.DType.Size(), Got: len(s) * t.DType.Size()}
	}

	b, err := Encode(t.DType, s)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(d.Bins(), 0o755); err != nil {
		return err
	}

	return os.WriteFile(d.Path(t), b, 0o644)
}

// Missing lists the tensors without a blob on disk.
func (d Dir) Missing(ts []Tensor) []Tensor {
	var missing []Tensor
	for _, t := range ts {
		if _, err := os.Stat(d.Path(t)); err != nil {
			missing = append(missing, t)
		}
	}
	return missing
}
