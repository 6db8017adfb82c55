package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// talksToDaemon marks commands that need the daemon, so the version check
// only runs for them.
var talksToDaemon = map[string]string{"talksToDaemon": "true"}

// newActionCommand builds a command that calls the daemon once and logs
// the response.
func newActionCommand(use, short, long, group string, action func(cmd *cobra.Command) (string, error)) *cobra.Command {
	return &cobra.Command{
		Use:         use,
		Short:       short,
		Long:        long,
		GroupID:     group,
		Args:        cobra.NoArgs,
		Annotations: talksToDaemon,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ret, err := action(cmd)
			if err != nil {
				return fmt.Errorf("failed to %s: %w", short2Verb(short), err)
			}
			if ret != "" {
				logrus.Infof("daemon responded: %s", ret)
			}
			return nil
		},
	}
}

// short2Verb lower-cases the first letter of a short description.
func short2Verb(short string) string {
	if short == "" {
		return short
	}
	b := []byte(short)
	if b[0] >= 'A' && b[0] <= 'Z' {
		b[0] += 'a' - 'A'
	}
	return string(b)
}

func bool2Text(b bool) string {
	if b {
		return color.New(color.Bold, color.FgGreen).Sprint("✔")
	}
	return color.New(color.Bold, color.FgRed).Sprint("✘")
}

func bold(format string, a ...interface{}) string {
	return color.New(color.Bold).Sprintf(format, a...)
}

// ago formats t relative to now, e.g. "12m ago".
func ago(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return time.Since(t).Round(time.Second).String() + " ago"
}
