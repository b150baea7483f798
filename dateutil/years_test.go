package dateutil

import (
	"errors"
	"testing"
	"time"
)

func TestYear(t *testing.T) {
	var cases = []struct {
		s    string
		want int
		err  error
	}{
		{"2019", 2019, nil},
		{" 1998 ", 1998, nil},
		{"2019-05-01", 2019, nil},
		{"2021-03-04T10:00:00Z", 2021, nil},
		{"IEEE Trans. Softw. Eng. 45(3), 2019", 2019, nil},
		{"R Wagner, K Smith - Nature, 2015 - nature.com", 2015, nil},
		{"", 0, ErrNoYear},
		{"No date", 0, ErrNoYear},
		{"1843", 1843, nil},
		{"20190501", 2019, nil},
		{"0000", 0, ErrNoYear},
		{"0999", 0, ErrNoYear},
		{"-123", 0, ErrNoYear},
		{"+123", 0, ErrNoYear},
		{"3000", 0, ErrNoYear},
		{"42", 0, ErrNoYear},
	}
	for _, c := range cases {
		got, err := Year(c.s)
		if !errors.Is(err, c.err) {
			t.Errorf("Year(%q): got err %v, want %v", c.s, err, c.err)
		}
		if got != c.want {
			t.Errorf("Year(%q): got %d, want %d", c.s, got, c.want)
		}
	}
}

func TestYearSpan(t *testing.T) {
	iv := YearSpan(2015, 2025)
	if err := iv.Validate(); err != nil {
		t.Fatal(err)
	}
	if iv.Start.Year() != 2015 || iv.Start.YearDay() != 1 {
		t.Errorf("got start %v", iv.Start)
	}
	if iv.End.Year() != 2025 || iv.End.Month() != time.December || iv.End.Day() != 31 {
		t.Errorf("got end %v", iv.End)
	}
	var cases = []struct {
		year int
		want bool
	}{
		{2014, false},
		{2015, true},
		{2020, true},
		{2025, true},
		{2026, false},
	}
	for _, c := range cases {
		if got := iv.ContainsYear(c.year); got != c.want {
			t.Errorf("ContainsYear(%d): got %v, want %v", c.year, got, c.want)
		}
	}
	if !iv.Contains(time.Date(2025, 12, 31, 23, 0, 0, 0, time.UTC)) {
		t.Errorf("last day of span not contained")
	}
	if iv.Contains(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("first day after span contained")
	}
}

func TestYearSpanInvalid(t *testing.T) {
	if err := YearSpan(2020, 2010).Validate(); err == nil {
		t.Errorf("got nil, want error")
	}
}
