package spatial

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// artifact is the on-disk layout of a spatial index: zstd-compressed JSON
// with one entry per object in each array.
type artifact struct {
	ObjectID []string  `json:"objectid"`
	RA       []float64 `json:"ra"`
	Decl     []float64 `json:"decl"`
}

// WriteArtifact writes the spatial index artifact for ids and positions to
// path. Ingestion and test fixtures use it; the server only reads.
func WriteArtifact(path string, ids []string, ra, decl []float64) error {
	if len(ids) != len(ra) || len(ids) != len(decl) {
		return fmt.Errorf("spatial artifact: %d ids, %d ra, %d decl", len(ids), len(ra), len(decl))
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".kdtree-*")
	if err != nil {
		return fmt.Errorf("create spatial artifact: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	enc, err := zstd.NewWriter(tmp, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = tmp.Close()
		return fmt.Errorf("zstd writer: %w", err)
	}
	if err := json.NewEncoder(enc).Encode(artifact{ObjectID: ids, RA: ra, Decl: decl}); err != nil {
		_ = enc.Close()
		_ = tmp.Close()
		return fmt.Errorf("encode spatial artifact: %w", err)
	}
	if err := enc.Close(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("flush spatial artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close spatial artifact: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// ReadArtifact loads a spatial index artifact and builds its kd-tree.
func ReadArtifact(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close() //nolint:errcheck

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("zstd reader %s: %w", path, err)
	}
	defer dec.Close()

	var a artifact
	if err := json.NewDecoder(dec).Decode(&a); err != nil {
		return nil, fmt.Errorf("decode spatial artifact %s: %w", path, err)
	}
	return NewIndex(a.ObjectID, a.RA, a.Decl)
}
