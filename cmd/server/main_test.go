package main

import (
	"testing"
	"time"
)

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "  ", "value", "other"); got != "value" {
		t.Fatalf("firstNonEmpty = %q, want %q", got, "value")
	}
	if got := firstNonEmpty("", "   "); got != "" {
		t.Fatalf("firstNonEmpty = %q, want empty", got)
	}
}

func TestSplitAndTrim(t *testing.T) {
	got := splitAndTrim(" a, b ,,c ")
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("splitAndTrim = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("splitAndTrim[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if splitAndTrim("") != nil {
		t.Fatal("splitAndTrim(\"\") should be nil")
	}
}

func TestResolveIntPrefersFlagThenEnv(t *testing.T) {
	t.Setenv("TEST_RESOLVE_INT", "7")
	if got := resolveInt(3, "TEST_RESOLVE_INT", 1); got != 3 {
		t.Fatalf("flag should win, got %d", got)
	}
	if got := resolveInt(0, "TEST_RESOLVE_INT", 1); got != 7 {
		t.Fatalf("env should win over fallback, got %d", got)
	}
	t.Setenv("TEST_RESOLVE_INT", "not-a-number")
	if got := resolveInt(0, "TEST_RESOLVE_INT", 1); got != 1 {
		t.Fatalf("bad env should fall back, got %d", got)
	}
}

func TestResolveSignedFloatAcceptsNegatives(t *testing.T) {
	t.Setenv("TEST_RESOLVE_DB", "-55.5")
	if got := resolveSignedFloat(0, "TEST_RESOLVE_DB", -70); got != -55.5 {
		t.Fatalf("env should win over fallback, got %v", got)
	}
	if got := resolveSignedFloat(-40, "TEST_RESOLVE_DB", -70); got != -40 {
		t.Fatalf("flag should win, got %v", got)
	}
	t.Setenv("TEST_RESOLVE_DB", "")
	if got := resolveSignedFloat(0, "TEST_RESOLVE_DB", -70); got != -70 {
		t.Fatalf("fallback expected, got %v", got)
	}
}

func TestResolveDuration(t *testing.T) {
	t.Setenv("TEST_RESOLVE_DURATION", "90s")
	if got := resolveDuration(0, "TEST_RESOLVE_DURATION", time.Second); got != 90*time.Second {
		t.Fatalf("resolveDuration = %v", got)
	}
	if got := resolveDuration(time.Minute, "TEST_RESOLVE_DURATION", time.Second); got != time.Minute {
		t.Fatalf("flag should win, got %v", got)
	}
}

func TestParseBytes(t *testing.T) {
	cases := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"1024", 1024, true},
		{"8MiB", 8 << 20, true},
		{"2GB", 2 << 30, true},
		{"1.5MiB", 3 << 19, true},
		{"512K", 512 << 10, true},
		{"", 0, false},
		{"abc", 0, false},
	}
	for _, tc := range cases {
		got, err := parseBytes(tc.in)
		if tc.ok && (err != nil || got != tc.want) {
			t.Fatalf("parseBytes(%q) = %d, %v; want %d", tc.in, got, err, tc.want)
		}
		if !tc.ok && err == nil {
			t.Fatalf("parseBytes(%q) should fail", tc.in)
		}
	}
}

func TestResolveBytesFallsBack(t *testing.T) {
	t.Setenv("TEST_RESOLVE_BYTES", "16MiB")
	if got := resolveBytes("", "TEST_RESOLVE_BYTES", 1); got != 16<<20 {
		t.Fatalf("resolveBytes = %d", got)
	}
	if got := resolveBytes("1GiB", "TEST_RESOLVE_BYTES", 1); got != 1<<30 {
		t.Fatalf("flag should win, got %d", got)
	}
	t.Setenv("TEST_RESOLVE_BYTES", "")
	if got := resolveBytes("", "TEST_RESOLVE_BYTES", 42); got != 42 {
		t.Fatalf("fallback should apply, got %d", got)
	}
}
