/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"gopkg.in/yaml.v3"
)

// ByteSize is a number of bytes written either as an integer or as "250M", "1Gi" and so on.
type ByteSize uint64

// TimeDuration is a duration written either as an integer number of nanoseconds or as "5s", "1h30m" and so on.
type TimeDuration time.Duration

// parseNonNegativeInt reports ok=false when s is not an integer at all.
func parseNonNegativeInt(s string) (num int64, ok bool, err error) {
	num, parseErr := strconv.ParseInt(s, 10, 64)
	if parseErr != nil {
		return 0, false, nil
	}
	if num < 0 {
		return 0, true, fmt.Errorf("negative value is not allowed: %d", num)
	}
	return num, true, nil
}

func decodeYAMLScalar(value *yaml.Node, what string) (string, error) {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return "", fmt.Errorf("invalid %s format: %w", what, err)
	}
	return raw, nil
}

func (b *ByteSize) UnmarshalText(text []byte) error {
	s := strings.Trim(string(text), `"`)
	num, ok, err := parseNonNegativeInt(s)
	if err != nil {
		return err
	}
	if ok {
		*b = ByteSize(num)
		return nil
	}
	if *b, err = parseByteSizeFromString(s); err != nil {
		return err
	}
	return nil
}

func (b *ByteSize) UnmarshalJSON(data []byte) error {
	return b.UnmarshalText(data)
}

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	raw, err := decodeYAMLScalar(value, "byte size")
	if err != nil {
		return err
	}
	return b.UnmarshalText([]byte(raw))
}

// String formats the size with bytefmt ("250M").
func (b ByteSize) String() string {
	return bytefmt.ByteSize(uint64(b))
}

func (b ByteSize) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

func (b ByteSize) MarshalYAML() (interface{}, error) {
	return b.String(), nil
}

// parseByteSizeFromString also accepts Kubernetes-style suffixes ("Mi", "Gi"),
// which mean the same power-of-two units as bytefmt's "M" and "G".
func parseByteSizeFromString(s string) (ByteSize, error) {
	v := strings.TrimSpace(s)
	if len(v) > 2 && v[len(v)-1] == 'i' && strings.ContainsRune("KMGTPE", rune(v[len(v)-2])) {
		v = v[:len(v)-1]
	}
	num, err := bytefmt.ToBytes(v)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size format (%s): %w", s, err)
	}
	return ByteSize(num), nil
}

func (d *TimeDuration) UnmarshalText(text []byte) error {
	s := strings.Trim(string(text), `"`)
	num, ok, err := parseNonNegativeInt(s)
	if err != nil {
		return err
	}
	if ok {
		*d = TimeDuration(num)
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid time duration format (%s): %w", s, err)
	}
	*d = TimeDuration(dur)
	return nil
}

func (d *TimeDuration) UnmarshalJSON(data []byte) error {
	return d.UnmarshalText(data)
}

func (d *TimeDuration) UnmarshalYAML(value *yaml.Node) error {
	raw, err := decodeYAMLScalar(value, "time duration")
	if err != nil {
		return err
	}
	return d.UnmarshalText([]byte(raw))
}

func (d TimeDuration) String() string {
	return time.Duration(d).String()
}

func (d TimeDuration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d TimeDuration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}
