package money

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestRound4HalfUp(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"16.36363636", "16.3636"},
		{"16.36365", "16.3637"},
		{"17.77775", "17.7778"},
		{"20", "20"},
	}
	for _, tc := range cases {
		got := Round4(decimal.RequireFromString(tc.in))
		if !got.Equal(decimal.RequireFromString(tc.want)) {
			t.Fatalf("Round4(%s) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestRound2HalfUp(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"32.727272", "32.73"},
		{"0.005", "0.01"},
		{"50", "50"},
		{"249.995", "250.00"},
	}
	for _, tc := range cases {
		got := Round2(decimal.RequireFromString(tc.in))
		if !got.Equal(decimal.RequireFromString(tc.want)) {
			t.Fatalf("Round2(%s) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestPercent(t *testing.T) {
	got := Percent(decimal.RequireFromString("1000"), decimal.RequireFromString("40"))
	if !got.Equal(decimal.RequireFromString("400")) {
		t.Fatalf("expected 400, got %s", got)
	}
	got = Percent(decimal.RequireFromString("500"), decimal.RequireFromString("50"))
	if !got.Equal(decimal.RequireFromString("250")) {
		t.Fatalf("expected 250, got %s", got)
	}
}

func TestFromStringEmpty(t *testing.T) {
	got, err := FromString("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.IsZero() {
		t.Fatalf("expected zero, got %s", got)
	}
	if _, err := FromString("not-a-number"); err == nil {
		t.Fatalf("expected parse error")
	}
}
