package store

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// LocalTime is the timezone spec that keeps SQLite's own local-time
// conversion.
const LocalTime = "localtime"

// Offset is a resolved timezone spec: either SQLite local time or a signed
// offset in (possibly fractional) hours.
type Offset struct {
	local bool
	hours float64
}

// LocalOffset is the offset for the local-time marker.
func LocalOffset() Offset { return Offset{local: true} }

// HoursOffset is a fixed offset of h hours from UTC.
func HoursOffset(h float64) Offset { return Offset{hours: h} }

// IsLocal reports whether the offset defers to SQLite local time.
func (o Offset) IsLocal() bool { return o.local }

// Hours is zero for a local offset.
func (o Offset) Hours() float64 { return o.hours }

// Modifier renders the offset as an SQLite date/time modifier, e.g.
// "localtime" or "-5.5 hours".
func (o Offset) Modifier() string {
	if o.local {
		return LocalTime
	}
	return strconv.FormatFloat(o.hours, 'f', -1, 64) + " hours"
}

func (o Offset) String() string { return o.Modifier() }

// ResolveTimezone turns a timezone spec into an Offset. The interpretations
// are tried in order and the first that parses wins:
//
//  1. "" or "localtime": local time.
//  2. "H:MM": hours plus minutes, minutes taking the sign of the hours part.
//  3. a plain number: packed (+/-)HHMM when its magnitude exceeds 24,
//     fractional hours otherwise. "24" is therefore 24 hours, "25" is 0h25m.
//  4. an IANA zone name, at its current UTC offset.
func ResolveTimezone(spec string) (Offset, error) {
	if spec == "" || spec == LocalTime {
		return LocalOffset(), nil
	}

	if strings.Contains(spec, ":") {
		if h, ok := parseColonOffset(spec); ok {
			return HoursOffset(h), nil
		}
	} else if v, err := strconv.ParseFloat(strings.TrimSpace(spec), 64); err == nil && !math.IsInf(v, 0) && !math.IsNaN(v) {
		return HoursOffset(numericOffset(v)), nil
	}

	loc, err := time.LoadLocation(spec)
	if err != nil {
		return Offset{}, &Error{Kind: KindInvalidTimezone, Msg: "invalid timezone " + strconv.Quote(spec), Err: err}
	}
	_, secs := time.Now().In(loc).Zone()
	return HoursOffset(float64(secs) / 3600), nil
}

func parseColonOffset(spec string) (float64, bool) {
	parts := strings.Split(spec, ":")
	if len(parts) != 2 {
		return 0, false
	}
	hours, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, false
	}
	minutes, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, false
	}
	// "-0:30" parses its hours as 0 and so resolves to +0.5.
	if hours >= 0 {
		return float64(hours) + float64(minutes)/60, true
	}
	return float64(hours) - float64(minutes)/60, true
}

func numericOffset(v float64) float64 {
	if math.Abs(v) <= 24 {
		return v
	}
	sign := 1.0
	if v < 0 {
		sign = -1
	}
	abs := math.Abs(v)
	return sign * (math.Floor(abs/100) + math.Mod(abs, 100)/60)
}
