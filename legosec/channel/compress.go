package channel

import (
	"bytes"
	"errors"
	"io"
	"sync"

	"github.com/pierrec/lz4/v4"
)

// compressThreshold is the smallest message worth compressing.
const compressThreshold = 256

var ErrDecompressionFailed = errors.New("channel: decompression failed")

var compressorPool = sync.Pool{
	New: func() any { return lz4.NewWriter(nil) },
}

var decompressorPool = sync.Pool{
	New: func() any { return lz4.NewReader(nil) },
}

// compress returns the LZ4 frame for data and true, or data and false when
// compression does not make it smaller.
func compress(data []byte) ([]byte, bool) {
	if len(data) < compressThreshold {
		return data, false
	}
	var buf bytes.Buffer
	w := compressorPool.Get().(*lz4.Writer)
	defer compressorPool.Put(w)
	w.Reset(&buf)
	_ = w.Apply(lz4.CompressionLevelOption(lz4.Fast))

	if _, err := w.Write(data); err != nil {
		return data, false
	}
	if err := w.Close(); err != nil {
		return data, false
	}
	if buf.Len() >= len(data) {
		return data, false
	}
	return buf.Bytes(), true
}

// decompress inflates an LZ4 frame, refusing output larger than limit.
func decompress(data []byte, limit int) ([]byte, error) {
	r := decompressorPool.Get().(*lz4.Reader)
	defer decompressorPool.Put(r)
	r.Reset(bytes.NewReader(data))

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, int64(limit)+1))
	if err != nil || n > int64(limit) {
		return nil, ErrDecompressionFailed
	}
	return buf.Bytes(), nil
}
