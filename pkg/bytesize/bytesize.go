// Package bytesize parses and formats the byte sizes and transfer rates used in
// casmesh configuration files.
package bytesize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Byte size units (binary).
const (
	B  int64 = 1
	KB int64 = 1024
	MB int64 = 1024 * KB
	GB int64 = 1024 * MB
	TB int64 = 1024 * GB
)

// Network rate units, in bytes per second (SI bits).
const (
	Kbps int64 = 1000 / 8
	Mbps int64 = 1000 * 1000 / 8
	Gbps int64 = 1000 * 1000 * 1000 / 8
)

var (
	sizePattern = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*([a-zA-Z]*)\s*$`)
	ratePattern = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*([a-zA-Z/]+)\s*$`)
)

var sizeUnits = map[string]int64{
	"": B, "B": B,
	"K": KB, "KB": KB, "KI": KB, "KIB": KB,
	"M": MB, "MB": MB, "MI": MB, "MIB": MB,
	"G": GB, "GB": GB, "GI": GB, "GIB": GB,
	"T": TB, "TB": TB, "TI": TB, "TIB": TB,
}

// rateUnits maps a lower-cased unit to bytes per second per unit. "bps" is
// handled separately since it is a fraction of a byte.
var rateUnits = map[string]float64{
	"kbps": float64(Kbps),
	"mbps": float64(Mbps),
	"gbps": float64(Gbps),
	"b/s":  1,
	"kb/s": float64(KB),
	"mb/s": float64(MB),
	"gb/s": float64(GB),
}

func parseNumber(pattern *regexp.Regexp, s, what string) (float64, string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, "", fmt.Errorf("empty %s string", what)
	}
	m := pattern.FindStringSubmatch(s)
	if m == nil {
		return 0, "", fmt.Errorf("invalid %s format: %q", what, s)
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, "", fmt.Errorf("invalid number: %q", m[1])
	}
	return v, m[2], nil
}

// Parse parses "100MB", "1.5GiB", "64k" or a plain byte count.
func Parse(s string) (int64, error) {
	v, unit, err := parseNumber(sizePattern, s, "size")
	if err != nil {
		return 0, err
	}
	mult, ok := sizeUnits[strings.ToUpper(unit)]
	if !ok {
		return 0, fmt.Errorf("unknown unit: %q", unit)
	}
	return int64(v * float64(mult)), nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) int64 {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// ParseRate parses "10mbps" or "100KB/s" into bytes per second.
func ParseRate(s string) (int64, error) {
	v, unit, err := parseNumber(ratePattern, s, "rate")
	if err != nil {
		return 0, err
	}
	unit = strings.ToLower(unit)
	if unit == "bps" {
		return int64(v / 8), nil
	}
	mult, ok := rateUnits[unit]
	if !ok {
		return 0, fmt.Errorf("unknown rate unit: %q", unit)
	}
	return int64(v * mult), nil
}

// Format renders a byte count for humans.
func Format(bytes int64) string {
	for _, u := range []struct {
		threshold int64
		unit      string
	}{{TB, "TB"}, {GB, "GB"}, {MB, "MB"}, {KB, "KB"}} {
		if bytes >= u.threshold {
			return fmt.Sprintf("%.2f %s", float64(bytes)/float64(u.threshold), u.unit)
		}
	}
	return fmt.Sprintf("%d B", bytes)
}

// FormatRate renders bytes per second as a bit rate.
func FormatRate(bytesPerSec int64) string {
	bits := bytesPerSec * 8
	for _, u := range []struct {
		threshold int64
		unit      string
	}{{1e9, "Gbps"}, {1e6, "Mbps"}, {1e3, "Kbps"}} {
		if bits >= u.threshold {
			return fmt.Sprintf("%.2f %s", float64(bits)/float64(u.threshold), u.unit)
		}
	}
	return fmt.Sprintf("%d bps", bits)
}

// Size is a byte count that unmarshals from YAML as a number or a string with
// units ("64KiB", "10GB").
type Size int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Size) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var i int64
	if err := unmarshal(&i); err == nil {
		*s = Size(i)
		return nil
	}
	var str string
	if err := unmarshal(&str); err != nil {
		return fmt.Errorf("size must be a number or a string with units (e.g. 64KiB, 10GB)")
	}
	v, err := Parse(str)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", str, err)
	}
	*s = Size(v)
	return nil
}

// MarshalYAML writes sizes as plain byte counts.
func (s Size) MarshalYAML() (interface{}, error) {
	return int64(s), nil
}

// Bytes returns the size in bytes.
func (s Size) Bytes() int64 { return int64(s) }

func (s Size) String() string { return Format(int64(s)) }

// Rate is a transfer rate in bytes per second. Zero means unlimited. In YAML
// it is written as "50mbps" or "10MB/s"; a bare number is bytes per second.
type Rate int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (r *Rate) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var i int64
	if err := unmarshal(&i); err == nil {
		*r = Rate(i)
		return nil
	}
	var str string
	if err := unmarshal(&str); err != nil {
		return fmt.Errorf("rate must be a number or a string with units (e.g. 50mbps, 10MB/s)")
	}
	v, err := ParseRate(str)
	if err != nil {
		return fmt.Errorf("invalid rate %q: %w", str, err)
	}
	*r = Rate(v)
	return nil
}

// BytesPerSecond returns the rate in bytes per second.
func (r Rate) BytesPerSecond() int64 { return int64(r) }

// Unlimited reports whether no rate limit is set.
func (r Rate) Unlimited() bool { return r <= 0 }

func (r Rate) String() string {
	if r.Unlimited() {
		return "unlimited"
	}
	return FormatRate(int64(r))
}
