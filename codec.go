package colstore

import (
	"fmt"

	"github.com/klauspost/compress/s2"
)

// Codec is the block-compression collaborator used for attribute-tree item
// payloads. TryCompress may refuse (return false) when compression would not
// shrink the input; the engine then stores the payload inline.
type Codec interface {
	TryCompress(src []byte) ([]byte, bool)
	Decompress(src []byte, expectedLen int) ([]byte, error)
}

// s2Codec compresses payloads with the S2 block format.
type s2Codec struct{}

// NewS2Codec returns the default codec.
func NewS2Codec() Codec { return s2Codec{} }

func (s2Codec) TryCompress(src []byte) ([]byte, bool) {
	dst := s2.Encode(nil, src)
	if len(dst) >= len(src) {
		return nil, false
	}
	return dst, true
}

func (s2Codec) Decompress(src []byte, expectedLen int) ([]byte, error) {
	dst, err := s2.Decode(make([]byte, 0, expectedLen), src)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	if len(dst) != expectedLen {
		return nil, fmt.Errorf("decompress: got %d bytes, want %d: %w",
			len(dst), expectedLen, ErrCorruption)
	}
	return dst, nil
}

// noCompression never compresses. Used when compression is disabled.
type noCompression struct{}

// NoCompression returns a codec that always stores payloads inline.
func NoCompression() Codec { return noCompression{} }

func (noCompression) TryCompress([]byte) ([]byte, bool) { return nil, false }

func (noCompression) Decompress([]byte, int) ([]byte, error) {
	return nil, fmt.Errorf("decompress: codec disabled: %w", ErrCorruption)
}
