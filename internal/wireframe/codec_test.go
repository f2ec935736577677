package wireframe

import (
	"bytes"
	"strings"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		key     string
		payload []byte
	}{
		{"empty payload", "auth.request", nil},
		{"simple", "auth.request", []byte{0x01, 0x02, 0x03}},
		{"empty key", "", []byte("hello")},
		{"max key length", strings.Repeat("k", MaxKeyLen), []byte("x")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			frame, err := Encode(tc.key, tc.payload)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			gotKey, gotPayload, err := Decode(frame)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if gotKey != tc.key {
				t.Errorf("key = %q, want %q", gotKey, tc.key)
			}
			if !bytes.Equal(gotPayload, tc.payload) && !(len(gotPayload) == 0 && len(tc.payload) == 0) {
				t.Errorf("payload = %v, want %v", gotPayload, tc.payload)
			}
		})
	}
}

func TestEncodeKeyTooLong(t *testing.T) {
	_, err := Encode(strings.Repeat("k", MaxKeyLen+1), nil)
	if err == nil {
		t.Fatal("expected error for oversized key")
	}
}

func TestDecodeShortBuffer(t *testing.T) {
	cases := [][]byte{
		nil,
		{0, 0, 0},
		{0, 0, 0, 0, 0, 0, 0, 0, 5, 'a', 'b'}, // declares key len 5, only has 2
	}
	for _, buf := range cases {
		if _, _, err := Decode(buf); err == nil {
			t.Errorf("Decode(%v): expected error, got nil", buf)
		}
	}
}

func TestDecodeUnsupportedVersion(t *testing.T) {
	buf := make([]byte, headerLen)
	buf[3] = 1 // version = 1
	if _, _, err := Decode(buf); err == nil {
		t.Fatal("expected unsupported version error")
	}
}

func TestEncodeExactFrameShape(t *testing.T) {
	// Scenario S5: broadcast of key="auth.request" with payload [0x01,0x02,0x03].
	frame, err := Encode("auth.request", []byte{0x01, 0x02, 0x03})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := append([]byte{
		0x00, 0x00, 0x00, 0x00, // version
		0x00, 0x00, 0x00, 0x00, // reserved
		0x0C, // key length = 12
	}, []byte("auth.request")...)
	want = append(want, 0x01, 0x02, 0x03)
	if !bytes.Equal(frame, want) {
		t.Errorf("frame = %v, want %v", frame, want)
	}
}
