package config

import (
	"time"

	pkgerrors "github.com/pkg/errors"
)

// Duration is a time.Duration written as a string such as "10m" in every
// supported file format.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	parsed, err := time.ParseDuration(string(b))
	if err != nil {
		return pkgerrors.Wrapf(err, "invalid duration %q", string(b))
	}
	*d = Duration(parsed)
	return nil
}
