package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

// flushSuffix terminates every transport-compressed chunk: the empty
// stored block a sync flush emits.
var flushSuffix = []byte{0x00, 0x00, 0xff, 0xff}

// Inflater decompresses the gateway's shared zlib stream. Transport
// frames accumulate until the flush suffix arrives; each complete chunk
// is byte-aligned deflate data, so it is inflated with the sliding window
// of everything decompressed so far as dictionary.
type Inflater struct {
	pending bytes.Buffer
	dict    []byte
	started bool
}

// maxDictSize is the deflate window size.
const maxDictSize = 32 * 1024

// NewInflater returns an inflater for one gateway connection. A fresh
// inflater is required after every reconnect: the stream restarts.
func NewInflater() *Inflater {
	return &Inflater{}
}

// Push feeds one transport frame in. It returns the decompressed payload
// when the frame completes a chunk, or nil if more frames are needed.
func (inf *Inflater) Push(frame []byte) ([]byte, error) {
	inf.pending.Write(frame)
	if inf.pending.Len() < len(flushSuffix) || !bytes.HasSuffix(inf.pending.Bytes(), flushSuffix) {
		return nil, nil
	}

	data := inf.pending.Bytes()
	if !inf.started {
		// Strip the two-byte zlib stream header from the first chunk.
		if len(data) < 2 {
			return nil, errors.New("codec: short zlib stream header")
		}
		if data[0]&0x0f != 8 {
			return nil, fmt.Errorf("codec: unexpected zlib compression method %#x", data[0])
		}
		data = data[2:]
		inf.started = true
	}

	fr := flate.NewReaderDict(bytes.NewReader(data), inf.dict)
	out, err := io.ReadAll(fr)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("codec: inflate chunk: %w", err)
	}

	inf.dict = append(inf.dict, out...)
	if len(inf.dict) > maxDictSize {
		inf.dict = inf.dict[len(inf.dict)-maxDictSize:]
	}
	inf.pending.Reset()
	return out, nil
}
