package util

import (
	"reflect"
	"testing"
)

func TestNormalizeSymbol(t *testing.T) {
	cases := map[string]struct {
		want string
		ok   bool
	}{
		" aapl ":  {"AAPL", true},
		"brk.b":   {"BRK.B", true},
		"^gspc":   {"", false},
		"":        {"", false},
		"a b":     {"", false},
		"ES=F":    {"ES=F", true},
		"TOOLONGSYMBOLXXXX": {"", false},
	}
	for in, tc := range cases {
		got, ok := NormalizeSymbol(in)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("NormalizeSymbol(%q) = %q,%v want %q,%v", in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestSplitSymbols(t *testing.T) {
	got := SplitSymbols("msft, AAPL,,msft,bad symbol,tsla")
	want := []string{"MSFT", "AAPL", "TSLA"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}
