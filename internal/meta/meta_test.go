package meta

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	buf := make([]byte, Size)
	Encode(buf, Header{Frames: 123456, Crashed: true})

	h, err := Decode(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if h.Frames != 123456 || !h.Crashed {
		t.Fatalf("unexpected header: %+v", h)
	}
}

func TestDecodeRejectsForeignBytes(t *testing.T) {
	buf := make([]byte, Size)
	if _, err := Decode(buf); err != ErrCorruption {
		t.Fatalf("expected ErrCorruption for zeroed buffer, got %v", err)
	}
}

func TestIsInitialized(t *testing.T) {
	buf := make([]byte, Size)
	if IsInitialized(buf) {
		t.Fatal("expected zeroed buffer to report uninitialized")
	}
	Encode(buf, Header{Frames: 1})
	if !IsInitialized(buf) {
		t.Fatal("expected encoded buffer to report initialized")
	}
}
