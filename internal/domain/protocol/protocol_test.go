package protocol

import (
	"encoding/base64"
	"testing"
)

func TestDecodedSizeMatchesStdlib(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte("a"),
		[]byte("ab"),
		[]byte("abc"),
		[]byte("abcd"),
		make([]byte, 100),
		make([]byte, 1024*1024),
	}

	for _, raw := range cases {
		encoded := base64.StdEncoding.EncodeToString(raw)
		got := DecodedSize(encoded)
		if got != len(raw) {
			t.Errorf("DecodedSize(%d raw bytes) = %d, want %d", len(raw), got, len(raw))
		}
	}
}

func TestDecodedSizeEmptyString(t *testing.T) {
	if got := DecodedSize(""); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}

func TestMaxEncryptedBytesBoundary(t *testing.T) {
	exactly := make([]byte, MaxEncryptedBytes)
	encoded := base64.StdEncoding.EncodeToString(exactly)
	if size := DecodedSize(encoded); size != MaxEncryptedBytes {
		t.Fatalf("expected exactly MaxEncryptedBytes to decode to itself, got %d", size)
	}

	oneOver := make([]byte, MaxEncryptedBytes+1)
	encodedOver := base64.StdEncoding.EncodeToString(oneOver)
	if size := DecodedSize(encodedOver); size <= MaxEncryptedBytes {
		t.Fatalf("expected one byte over the cap to be detected, got %d", size)
	}
}
