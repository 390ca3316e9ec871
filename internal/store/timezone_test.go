package store

import (
	"errors"
	"math"
	"testing"
	_ "time/tzdata"
)

func TestResolveTimezone_Offsets(t *testing.T) {
	tests := []struct {
		name string
		spec string
		want float64
	}{
		{name: "packed negative HHMM", spec: "-530", want: -5.5},
		{name: "packed positive HHMM", spec: "530", want: 5.5},
		{name: "packed with sign and leading zero", spec: "+0530", want: 5.5},
		{name: "packed whole hours", spec: "-0800", want: -8},
		{name: "colon positive", spec: "5:30", want: 5.5},
		{name: "colon negative", spec: "-5:30", want: -5.5},
		{name: "colon zero padded", spec: "05:45", want: 5.75},
		{name: "fractional hours", spec: "-5.5", want: -5.5},
		{name: "integer hours", spec: "3", want: 3},
		{name: "zero", spec: "0", want: 0},
		{name: "UTC name", spec: "UTC", want: 0},
		{name: "zone without DST", spec: "Asia/Kolkata", want: 5.5},
		// The magnitude-24 cutoff: 24 and below are hours, above is HHMM.
		{name: "cutoff 24 is hours", spec: "24", want: 24},
		{name: "cutoff -24 is hours", spec: "-24", want: -24},
		{name: "25 is packed 0h25m", spec: "25", want: 25.0 / 60},
		{name: "2400 is packed 24h", spec: "2400", want: 24},
		// Hours parse "-0" as 0, so the minutes are added.
		{name: "negative zero hours keeps positive minutes", spec: "-0:30", want: 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveTimezone(tt.spec)
			if err != nil {
				t.Fatalf("ResolveTimezone(%q) error = %v", tt.spec, err)
			}
			if got.IsLocal() {
				t.Fatalf("ResolveTimezone(%q) is local; want %v hours", tt.spec, tt.want)
			}
			if math.Abs(got.Hours()-tt.want) > 1e-9 {
				t.Errorf("ResolveTimezone(%q) = %v hours; want %v", tt.spec, got.Hours(), tt.want)
			}
		})
	}
}

func TestResolveTimezone_Local(t *testing.T) {
	for _, spec := range []string{"", "localtime"} {
		got, err := ResolveTimezone(spec)
		if err != nil {
			t.Fatalf("ResolveTimezone(%q) error = %v", spec, err)
		}
		if !got.IsLocal() {
			t.Errorf("ResolveTimezone(%q) = %v; want local", spec, got)
		}
		if got.Modifier() != "localtime" {
			t.Errorf("Modifier() = %q; want localtime", got.Modifier())
		}
	}
}

func TestResolveTimezone_Invalid(t *testing.T) {
	for _, spec := range []string{"Not/AZone", "5:30:00", "abc:def", "NaN", "+Inf", "tomorrow"} {
		t.Run(spec, func(t *testing.T) {
			_, err := ResolveTimezone(spec)
			if !errors.Is(err, ErrInvalidTimezone) {
				t.Fatalf("ResolveTimezone(%q) error = %v; want InvalidTimezone", spec, err)
			}
			if KindOf(err) != KindInvalidTimezone {
				t.Errorf("KindOf = %v", KindOf(err))
			}
		})
	}
}

func TestOffset_Modifier(t *testing.T) {
	tests := []struct {
		off  Offset
		want string
	}{
		{HoursOffset(-5.5), "-5.5 hours"},
		{HoursOffset(5.5), "5.5 hours"},
		{HoursOffset(0), "0 hours"},
		{HoursOffset(10), "10 hours"},
		{LocalOffset(), "localtime"},
	}
	for _, tt := range tests {
		if got := tt.off.Modifier(); got != tt.want {
			t.Errorf("Modifier() = %q; want %q", got, tt.want)
		}
	}
}
