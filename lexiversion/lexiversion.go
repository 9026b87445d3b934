// Package lexiversion implements LexiVersions: compact string encodings of
// unsigned counters which preserve numeric order under bytewise comparison.
// A LexiVersion is a run of base-36 digits prefixed by a single base-36
// character which encodes the number of digits minus one. Prefixing the
// length makes longer (larger) encodings sort strictly after shorter ones,
// so for any counters a < b, FromInt(a) < FromInt(b) bytewise.
//
// LexiVersions version every committed upstream transaction (the commit
// "watermark") and every replicated row (its `_0_version` column).
package lexiversion

import (
	"strconv"

	"github.com/pkg/errors"
)

// Version is a lexicographically ordered encoding of a uint64 counter.
// The zero value is not a valid Version; use FromInt, and check decoded
// values with Validate.
type Version string

// Min is the smallest valid Version, FromInt(0).
const Min Version = "00"

const digits = "0123456789abcdefghijklmnopqrstuvwxyz"

// FromInt returns the Version encoding of |v|.
func FromInt(v uint64) Version {
	var s = strconv.FormatUint(v, 36)
	return Version(digits[len(s)-1:len(s)]) + Version(s)
}

// Int returns the counter encoded by the Version.
func (v Version) Int() (uint64, error) {
	if err := v.Validate(); err != nil {
		return 0, err
	}
	var i, err = strconv.ParseUint(string(v[1:]), 36, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing version %q", v)
	}
	return i, nil
}

// Next returns the Version of the successor counter.
// It panics if the Version is invalid or is the maximum encoding.
func (v Version) Next() Version {
	var i, err = v.Int()
	if err != nil {
		panic(err.Error())
	} else if i == 1<<64-1 {
		panic("version overflow")
	}
	return FromInt(i + 1)
}

// Validate returns an error if the Version is malformed: wrong length
// prefix, empty digit run, or non base-36 characters.
func (v Version) Validate() error {
	if len(v) < 2 {
		return errors.Errorf("version %q is too short", v)
	}
	var n = indexOf(v[0])
	if n < 0 {
		return errors.Errorf("version %q has an invalid length prefix", v)
	} else if n+1 != len(v)-1 {
		return errors.Errorf("version %q length prefix doesn't match its %d digits", v, len(v)-1)
	}
	for i := 1; i != len(v); i++ {
		if indexOf(v[i]) < 0 {
			return errors.Errorf("version %q has invalid digit %q", v, v[i])
		}
	}
	if len(v) > 2 && v[1] == '0' {
		return errors.Errorf("version %q has a leading zero", v)
	}
	return nil
}

// Compare returns -1, 0, or 1 per the usual contract. Bytewise string
// comparison of valid Versions is equivalent.
func Compare(a, b Version) int {
	if a < b {
		return -1
	} else if a > b {
		return 1
	}
	return 0
}

func indexOf(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'z':
		return int(c-'a') + 10
	default:
		return -1
	}
}
