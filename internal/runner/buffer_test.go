package runner

import "testing"

func TestBoundedBufferWithinCap(t *testing.T) {
	b := newBoundedBuffer(10)
	b.Write([]byte("hello"))
	if got := string(b.Bytes()); got != "hello" {
		t.Fatalf("Bytes() = %q, want %q", got, "hello")
	}
	if b.Truncated() {
		t.Fatal("Truncated() = true, want false")
	}
}

func TestBoundedBufferTruncatesAtCap(t *testing.T) {
	b := newBoundedBuffer(5)
	b.Write([]byte("hello world"))
	if got := string(b.Bytes()); got != "hello" {
		t.Fatalf("Bytes() = %q, want %q", got, "hello")
	}
	if !b.Truncated() {
		t.Fatal("Truncated() = false, want true")
	}
}

func TestBoundedBufferTruncatesAcrossWrites(t *testing.T) {
	b := newBoundedBuffer(8)
	b.Write([]byte("1234"))
	b.Write([]byte("5678"))
	b.Write([]byte("9"))
	if got := string(b.Bytes()); got != "12345678" {
		t.Fatalf("Bytes() = %q, want %q", got, "12345678")
	}
	if !b.Truncated() {
		t.Fatal("Truncated() = false, want true")
	}
}

func TestJailEnvOverridesPathHomeTmpdir(t *testing.T) {
	env := jailEnv([]string{"PATH=/weird", "HOME=/host/home", "TMPDIR=/host/tmp", "X=1"})

	want := map[string]string{
		"PATH":   "/usr/bin:/bin",
		"HOME":   "/tmp",
		"TMPDIR": "/tmp",
		"X":      "1",
	}
	got := map[string]string{}
	for _, kv := range env {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				got[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("env[%q] = %q, want %q", k, got[k], v)
		}
	}
}
