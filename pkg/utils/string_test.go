package utils

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTruncate(t *testing.T) {
	if got := Truncate("hello", 10); got != "hello" {
		t.Fatalf("Truncate = %q, want %q", got, "hello")
	}
	if got := Truncate("hello world", 8); got != "hello..." {
		t.Fatalf("Truncate = %q, want %q", got, "hello...")
	}
	if got := Truncate("中文内容测试", 5); got != "中文..." {
		t.Fatalf("Truncate = %q, want %q", got, "中文...")
	}
}

func TestSplitByBytes_NeverSplitsRunes(t *testing.T) {
	src := strings.Repeat("中文内容混合abc", 200)

	chunks := SplitByBytes(src, 2048)

	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, chunk := range chunks {
		if len(chunk) > 2048 {
			t.Fatalf("chunk %d is %d bytes, cap is 2048", i, len(chunk))
		}
		if !utf8.ValidString(chunk) {
			t.Fatalf("chunk %d contains a split rune: %q", i, chunk)
		}
	}
	if strings.Join(chunks, "") != src {
		t.Fatal("concatenated chunks do not reproduce the original string")
	}
}

func TestSplitByBytes_ShortInput(t *testing.T) {
	chunks := SplitByBytes("short", 2048)
	if len(chunks) != 1 || chunks[0] != "short" {
		t.Fatalf("chunks = %v, want [short]", chunks)
	}
	if got := SplitByBytes("", 2048); got != nil {
		t.Fatalf("empty input should yield nil, got %v", got)
	}
}

func TestTailByBytes_KeepsSuffix(t *testing.T) {
	src := strings.Repeat("中", 100) + "END"

	got := TailByBytes(src, 32)

	if len(got) > 32 {
		t.Fatalf("tail is %d bytes, cap 32", len(got))
	}
	if !utf8.ValidString(got) {
		t.Fatalf("tail contains split rune: %q", got)
	}
	if !strings.HasSuffix(got, "END") {
		t.Fatalf("tail should keep the most recent content, got %q", got)
	}
	if TailByBytes("abc", 10) != "abc" {
		t.Fatal("short input should be returned unchanged")
	}
}
