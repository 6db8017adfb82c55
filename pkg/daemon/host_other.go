//go:build !linux

package daemon

import (
	"context"

	"github.com/sirupsen/logrus"
)

func watchHost(_ context.Context, log logrus.FieldLogger, _ hostListener) error {
	log.Debug("host sleep and shutdown signals are only followed on linux")
	return nil
}
