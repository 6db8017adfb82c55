//go:build !linux

package daemon

import "context"

func Install(context.Context, UnitOptions) error {
	return ErrUnsupported
}

func Uninstall(context.Context) error {
	return ErrUnsupported
}
