package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Duration accepts "10m" style strings or a bare number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := parseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		return td, nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(f * float64(time.Second)), nil
	}
	return 0, fmt.Errorf("invalid duration value: %q", raw)
}

// SizeBytes accepts "1MB" style strings or a bare byte count.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := parseSize(node.Value)
	if err != nil {
		return err
	}
	*s = SizeBytes(parsed)
	return nil
}

func (s SizeBytes) Int64() int64 { return int64(s) }

func parseSize(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		return int64(v), nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return i, nil
	}
	return 0, fmt.Errorf("invalid size value: %q", raw)
}

// Color accepts "#7289DA", "0x7289DA" or a decimal integer.
type Color int

func (c *Color) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := parseColor(node.Value)
	if err != nil {
		return err
	}
	*c = Color(parsed)
	return nil
}

func parseColor(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return 0, nil
	case strings.HasPrefix(raw, "#"):
		v, err := strconv.ParseInt(raw[1:], 16, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid color value: %q", raw)
		}
		return int(v), nil
	default:
		v, err := strconv.ParseInt(raw, 0, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid color value: %q", raw)
		}
		return int(v), nil
	}
}
