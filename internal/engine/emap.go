package engine

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/dudu/refacer/internal/face"
)

// emap is the 512x512 matrix projecting an ArcFace embedding into the
// latent space the swap model expects.
type emap [512][512]float32

// loadEmap loads the emap matrix from a little-endian float32 binary file.
func loadEmap(path string) (*emap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read emap file: %w", err)
	}

	expectedSize := 512 * 512 * 4
	if len(data) != expectedSize {
		return nil, fmt.Errorf("emap file size mismatch: expected %d, got %d", expectedSize, len(data))
	}

	var m emap
	for i := 0; i < 512; i++ {
		for j := 0; j < 512; j++ {
			offset := (i*512 + j) * 4
			bits := binary.LittleEndian.Uint32(data[offset : offset+4])
			m[i][j] = math.Float32frombits(bits)
		}
	}

	return &m, nil
}

// transform computes latent = normalize(embedding @ emap).
func (m *emap) transform(embedding *face.Embedding) *face.Embedding {
	var latent face.Embedding

	for j := 0; j < 512; j++ {
		var sum float32
		for i := 0; i < 512; i++ {
			sum += embedding[i] * m[i][j]
		}
		latent[j] = sum
	}

	latent.Normalize()
	return &latent
}
