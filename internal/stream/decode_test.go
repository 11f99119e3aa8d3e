package stream

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// encodeFrame builds one wire frame for decoder tests.
func encodeFrame(msgID uint64, refID string, format byte, payload []byte) []byte {
	buf := make([]byte, 0, 16+len(refID)+len(payload))

	var id [8]byte
	binary.LittleEndian.PutUint64(id[:], msgID)
	buf = append(buf, id[:]...)
	buf = append(buf, 0, 0) // reserved
	buf = append(buf, byte(len(refID)))
	buf = append(buf, refID...)
	buf = append(buf, format)

	var size [4]byte
	binary.LittleEndian.PutUint32(size[:], uint32(len(payload)))
	buf = append(buf, size[:]...)
	buf = append(buf, payload...)
	return buf
}

func TestDecodeSingleFrame(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"Uic":211}`)
	buf := encodeFrame(42, "PriceSub_211_1700000000", PayloadJSON, payload)

	frames, err := DecodeFrames(buf)
	if err != nil {
		t.Fatalf("DecodeFrames: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("len(frames) = %d, want 1", len(frames))
	}

	f := frames[0]
	if f.MessageID != 42 {
		t.Errorf("MessageID = %d, want 42", f.MessageID)
	}
	if f.RefID != "PriceSub_211_1700000000" {
		t.Errorf("RefID = %q", f.RefID)
	}
	if f.PayloadFormat != PayloadJSON {
		t.Errorf("PayloadFormat = %d, want %d", f.PayloadFormat, PayloadJSON)
	}
	if !bytes.Equal(f.Payload, payload) {
		t.Errorf("Payload = %q, want %q", f.Payload, payload)
	}
}

func TestDecodeMultipleFrames(t *testing.T) {
	t.Parallel()

	buf := append(
		encodeFrame(1, "ref_a", PayloadJSON, []byte(`{"a":1}`)),
		encodeFrame(2, "ref_b", PayloadJSON, []byte(`{"b":2}`))...,
	)

	frames, err := DecodeFrames(buf)
	if err != nil {
		t.Fatalf("DecodeFrames: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("len(frames) = %d, want 2", len(frames))
	}
	if frames[0].RefID != "ref_a" || frames[1].RefID != "ref_b" {
		t.Errorf("ref ids = %q, %q", frames[0].RefID, frames[1].RefID)
	}
	if frames[1].MessageID != 2 {
		t.Errorf("second MessageID = %d, want 2", frames[1].MessageID)
	}
}

func TestDecodeEmptyBuffer(t *testing.T) {
	t.Parallel()

	frames, err := DecodeFrames(nil)
	if err != nil {
		t.Fatalf("DecodeFrames(nil): %v", err)
	}
	if len(frames) != 0 {
		t.Fatalf("len(frames) = %d, want 0", len(frames))
	}
}

func TestDecodeTruncatedKeepsEarlierFrames(t *testing.T) {
	t.Parallel()

	whole := encodeFrame(1, "ref_a", PayloadJSON, []byte(`{"a":1}`))
	partial := encodeFrame(2, "ref_b", PayloadJSON, []byte(`{"b":2}`))
	buf := append(whole, partial[:len(partial)-3]...) // cut payload short

	frames, err := DecodeFrames(buf)
	if err == nil {
		t.Fatal("want truncation error")
	}
	if len(frames) != 1 || frames[0].RefID != "ref_a" {
		t.Fatalf("frames = %+v, want the first frame intact", frames)
	}
}

func TestDecodeShortHeader(t *testing.T) {
	t.Parallel()

	frames, err := DecodeFrames([]byte{1, 2, 3})
	if err == nil {
		t.Fatal("want short-header error")
	}
	if len(frames) != 0 {
		t.Fatalf("len(frames) = %d, want 0", len(frames))
	}
}

func TestDecodeNonJSONFormatPreserved(t *testing.T) {
	t.Parallel()

	buf := encodeFrame(7, "ref_x", 1, []byte{0xDE, 0xAD})
	frames, err := DecodeFrames(buf)
	if err != nil {
		t.Fatalf("DecodeFrames: %v", err)
	}
	if frames[0].PayloadFormat != 1 {
		t.Errorf("PayloadFormat = %d, want 1", frames[0].PayloadFormat)
	}
}
