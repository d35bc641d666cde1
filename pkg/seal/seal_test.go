package seal

import (
	"strings"
	"testing"
)

func TestComputeFormat(t *testing.T) {
	digest := Compute([]byte("deal-seal-v1dl_1[]2026-08-01T12:30:45Z"))
	if len(digest) != 64 {
		t.Fatalf("digest length = %d, want 64", len(digest))
	}
	if digest != strings.ToLower(digest) {
		t.Fatalf("digest not lowercase: %s", digest)
	}
	if Compute([]byte("deal-seal-v1dl_1[]2026-08-01T12:30:45Z")) != digest {
		t.Fatal("same bytes produced different digests")
	}
}

func TestVerify(t *testing.T) {
	canon := []byte("some canonical bytes")
	digest := Compute(canon)

	if !Verify(digest, canon) {
		t.Fatal("stored digest should verify against its own bytes")
	}
	if !Verify(strings.ToUpper(digest), canon) {
		t.Fatal("uppercase stored digest should still verify")
	}
	if !Verify("  "+digest+"\n", canon) {
		t.Fatal("surrounding whitespace should be tolerated")
	}
	if Verify(digest, []byte("some canonical byteZ")) {
		t.Fatal("tampered bytes must not verify")
	}
	if Verify(digest[:32], canon) {
		t.Fatal("prefix of the digest must not verify")
	}
	if Verify("", canon) {
		t.Fatal("empty stored digest must not verify")
	}
}
