package compressors

import (
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

var lz4Levels = []lz4.CompressionLevel{
	lz4.Level1, lz4.Level2, lz4.Level3, lz4.Level4, lz4.Level5,
	lz4.Level6, lz4.Level7, lz4.Level8, lz4.Level9,
}

// LZ4Compressor handles LZ4 compression
type LZ4Compressor struct{}

// NewLZ4Compressor creates a new LZ4 compressor
func NewLZ4Compressor() *LZ4Compressor {
	return &LZ4Compressor{}
}

// NewWriter creates a streaming lz4 writer. Levels 1-9 select high compression, anything else
// uses the fast mode.
func (c *LZ4Compressor) NewWriter(w io.Writer, level int) (io.WriteCloser, error) {
	writer := lz4.NewWriter(w)

	compression := lz4.Fast
	if level >= 1 && level <= 9 {
		compression = lz4Levels[level-1]
	}
	if err := writer.Apply(lz4.CompressionLevelOption(compression)); err != nil {
		return nil, fmt.Errorf("failed to apply compression level: %w", err)
	}
	return writer, nil
}

func (c *LZ4Compressor) Extension() string {
	return ".lz4"
}

func (c *LZ4Compressor) DefaultLevel() int {
	return 0 // Fast compression
}
