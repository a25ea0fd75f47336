package codec

import (
	"bytes"
	"testing"

	"github.com/klauspost/compress/zlib"

	"github.com/guildvault/guildvault/internal/types"
)

func TestJSONRoundTrip(t *testing.T) {
	c, err := New(EncodingJSON)
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}

	p := &types.Payload{Op: types.OpDispatch, S: 42, T: "MESSAGE_CREATE", D: []byte(`{"id":"1"}`)}
	frame, err := c.Encode(p)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	back, err := c.Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if back.Op != p.Op || back.S != p.S || back.T != p.T || string(back.D) != string(p.D) {
		t.Errorf("round trip mismatch: %+v vs %+v", back, p)
	}
}

func TestBinaryEncodingUnsupported(t *testing.T) {
	if _, err := New(EncodingBinary); err != ErrUnsupportedEncoding {
		t.Errorf("expected ErrUnsupportedEncoding, got %v", err)
	}
}

func TestDecodeMalformed(t *testing.T) {
	c, _ := New(EncodingJSON)
	if _, err := c.Decode([]byte("{not json")); err == nil {
		t.Error("expected decode error")
	}
}

// compressChunks produces a zlib stream where each input slice ends in a
// sync flush, mirroring the gateway's transport compression.
func compressChunks(t *testing.T, chunks [][]byte) [][]byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	var out [][]byte
	for _, chunk := range chunks {
		if _, err := zw.Write(chunk); err != nil {
			t.Fatalf("compress write: %v", err)
		}
		if err := zw.Flush(); err != nil {
			t.Fatalf("compress flush: %v", err)
		}
		frame := make([]byte, buf.Len())
		copy(frame, buf.Bytes())
		buf.Reset()
		out = append(out, frame)
	}
	return out
}

func TestInflaterSingleChunk(t *testing.T) {
	plain := []byte(`{"op":10,"d":{"heartbeat_interval":41250}}`)
	frames := compressChunks(t, [][]byte{plain})

	inf := NewInflater()
	got, err := inf.Push(frames[0])
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Errorf("expected %q, got %q", plain, got)
	}
}

func TestInflaterSharedContext(t *testing.T) {
	// Later chunks back-reference earlier output through the shared
	// window; the inflater must carry the dictionary across chunks.
	first := []byte(`{"op":0,"t":"READY","d":{"session_id":"abcdefabcdef"}}`)
	second := []byte(`{"op":0,"t":"READY","d":{"session_id":"abcdefabcdef"}}`)
	third := []byte(`{"op":11}`)
	frames := compressChunks(t, [][]byte{first, second, third})

	inf := NewInflater()
	for i, want := range [][]byte{first, second, third} {
		got, err := inf.Push(frames[i])
		if err != nil {
			t.Fatalf("push chunk %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("chunk %d: expected %q, got %q", i, want, got)
		}
	}
}

func TestInflaterPartialFrames(t *testing.T) {
	plain := []byte(`{"op":1,"d":5}`)
	frames := compressChunks(t, [][]byte{plain})
	frame := frames[0]

	inf := NewInflater()
	// Split the transport frame: no output until the flush suffix lands.
	mid := len(frame) / 2
	got, err := inf.Push(frame[:mid])
	if err != nil {
		t.Fatalf("push partial: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no output for partial chunk, got %q", got)
	}
	got, err = inf.Push(frame[mid:])
	if err != nil {
		t.Fatalf("push rest: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Errorf("expected %q, got %q", plain, got)
	}
}
