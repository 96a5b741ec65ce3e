package redis

import (
	"strings"
	"testing"
)

func TestHasPattern(t *testing.T) {
	tests := []struct {
		channel string
		want    bool
	}{
		{"ledger:markets", false},
		{"ledger:*", true},
		{"ledger:run?", true},
		{"ledger:[mb]*", true},
	}
	for _, tt := range tests {
		if got := hasPattern(tt.channel); got != tt.want {
			t.Errorf("hasPattern(%q) = %v, want %v", tt.channel, got, tt.want)
		}
	}
}

func TestKeys_Namespaced(t *testing.T) {
	c := &Client{prefix: "taka:"}
	if got := NewLockManager(c).lockKey("mirror:bet:b1"); got != "taka:lock:mirror:bet:b1" {
		t.Errorf("lockKey = %q", got)
	}
	if got := NewRateLimiter(c).rateKey("uid-1"); got != "taka:ratelimit:uid-1" {
		t.Errorf("rateKey = %q", got)
	}
	if nonceLockKey == nonceNextKey {
		t.Fatal("nonce lock and value share a key")
	}
}

func TestSlidingWindowScript_Embedded(t *testing.T) {
	if !strings.Contains(slidingWindowLua, "ZREMRANGEBYSCORE") {
		t.Fatal("sliding window script not embedded")
	}
}

func TestRangeStart(t *testing.T) {
	tests := map[string]string{
		"":              "-",
		"0":             "-",
		"0-0":           "-",
		"1700000000-3":  "(1700000000-3",
	}
	for in, want := range tests {
		if got := rangeStart(in); got != want {
			t.Errorf("rangeStart(%q) = %q, want %q", in, got, want)
		}
	}
}
