package expiry

import (
	"testing"
	"time"
)

var ref = time.Date(2025, time.July, 20, 10, 0, 0, 0, time.UTC)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
		ok   bool
	}{
		{"31JUL2025", time.Date(2025, 7, 31, 0, 0, 0, 0, time.UTC), true},
		{"31JUL25", time.Date(2025, 7, 31, 0, 0, 0, 0, time.UTC), true},
		{"31Jul25", time.Date(2025, 7, 31, 0, 0, 0, 0, time.UTC), true},
		{"31JUL", time.Date(2025, 7, 31, 0, 0, 0, 0, time.UTC), true},
		{"2025-08-28", time.Date(2025, 8, 28, 0, 0, 0, 0, time.UTC), true},
		{"", time.Time{}, false},
		{"UNKNOWN", time.Time{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := Parse(tt.in, ref)
			if ok != tt.ok {
				t.Fatalf("Parse(%q) ok = %v, want %v", tt.in, ok, tt.ok)
			}
			if ok && !got.Equal(tt.want) {
				t.Errorf("Parse(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParse_YearlessAcrossYearBoundary(t *testing.T) {
	dec := time.Date(2025, time.December, 29, 0, 0, 0, 0, time.UTC)
	got, ok := Parse("05JAN", dec)
	if !ok {
		t.Fatal("expected 05JAN to parse")
	}
	if got.Year() != 2026 {
		t.Errorf("05JAN near end of 2025 resolved to year %d, want 2026", got.Year())
	}
}

func TestFormat(t *testing.T) {
	if got := Format(time.Date(2025, 7, 31, 0, 0, 0, 0, time.UTC)); got != "31JUL25" {
		t.Errorf("Format = %q, want 31JUL25", got)
	}
}

func TestExpired(t *testing.T) {
	if !Expired("17JUL2025", ref) {
		t.Error("17JUL2025 should be expired on 20JUL2025")
	}
	if Expired("20JUL2025", ref) {
		t.Error("an expiry on the current day is still live")
	}
	if Expired("", ref) {
		t.Error("empty expiry is never expired")
	}
}

func TestSort_CalendarOrder(t *testing.T) {
	in := []string{"28AUG25", "31JUL25", "07AUG25", "bogus"}
	Sort(in, ref)
	want := []string{"31JUL25", "07AUG25", "28AUG25", "bogus"}
	for i := range want {
		if in[i] != want[i] {
			t.Fatalf("Sort = %v, want %v", in, want)
		}
	}
}

func TestNearest_UsesCalendarNotString(t *testing.T) {
	dec := time.Date(2025, time.December, 20, 0, 0, 0, 0, time.UTC)
	// Lexicographically "05JAN26" is far from "31DEC25" ("0" < "3"), but on the
	// calendar it is the next expiry after 01JAN.
	candidates := []string{"31DEC25", "05JAN26", "29JAN26"}

	got, ok := Nearest("03JAN26", candidates, dec)
	if !ok {
		t.Fatal("expected a match")
	}
	if got != "05JAN26" {
		t.Errorf("Nearest = %q, want 05JAN26", got)
	}
}

func TestNearest_TieGoesEarlier(t *testing.T) {
	got, ok := Nearest("10AUG25", []string{"13AUG25", "07AUG25"}, ref)
	if !ok || got != "07AUG25" {
		t.Errorf("Nearest = %q, %v; want 07AUG25", got, ok)
	}
}

func TestNearest_Unparseable(t *testing.T) {
	if _, ok := Nearest("soon", []string{"31JUL25"}, ref); ok {
		t.Error("unparseable hint should not match")
	}
	if _, ok := Nearest("31JUL25", []string{"x", "y"}, ref); ok {
		t.Error("no parseable candidates should not match")
	}
}
