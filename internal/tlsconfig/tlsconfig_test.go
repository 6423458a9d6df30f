package tlsconfig

import "testing"

func TestNewReturnsErrorForMissingFiles(t *testing.T) {
	if _, err := New("/does/not/exist.crt", "/does/not/exist.key"); err == nil {
		t.Fatal("expected an error loading a nonexistent cert/key pair")
	}
}
