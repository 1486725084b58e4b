package hpage

import "github.com/cockroachdb/errors"

// ErrNotPow2 is returned when a constructor parameter that must be a power
// of two is not.
var ErrNotPow2 = errors.New("hpagefiller: value must be a power of two")

// CheckPow2 returns a wrapped ErrNotPow2 if value is not a power of two.
func CheckPow2(value uint64, name string) error {
	if value == 0 || value&(value-1) != 0 {
		return errors.Wrapf(ErrNotPow2, "%s is %d", name, value)
	}
	return nil
}
