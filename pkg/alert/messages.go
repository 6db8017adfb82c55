package alert

import (
	"fmt"
	"strings"
	"time"
)

const (
	timeOfDayLayout = "03:04:05 PM"
	fullDateLayout  = "01/02/2006 03:04:05 PM"
)

// Message is a notification ready to be dispatched.
type Message struct {
	Subject string
	Body    string
}

func subject(host, text string) string {
	if host == "" {
		return "[powerwatch] " + text
	}
	return fmt.Sprintf("[powerwatch@%s] %s", host, text)
}

func powerToBatteryMessage(host string, at time.Time) Message {
	return Message{
		Subject: subject(host, "Power changed to battery"),
		Body: fmt.Sprintf("%s switched from wall power to battery at %s.\n"+
			"You will be reminded periodically until wall power is restored.",
			hostOrDefault(host), at.Format(fullDateLayout)),
	}
}

func batteryReminderMessage(host string, resend int, interval time.Duration, since time.Time) Message {
	minutes := int((time.Duration(resend) * interval).Minutes())
	return Message{
		Subject: subject(host, fmt.Sprintf("Still on battery for %d minutes", minutes)),
		Body: fmt.Sprintf("%s has been running on battery for %d minutes (since %s).\n"+
			"This is reminder #%d.",
			hostOrDefault(host), minutes, since.Format(fullDateLayout), resend),
	}
}

func powerToWallMessage(host string, at time.Time, onBatteryFor time.Duration) Message {
	body := fmt.Sprintf("%s switched back to wall power at %s.", hostOrDefault(host), at.Format(fullDateLayout))
	if onBatteryFor > 0 {
		body += fmt.Sprintf("\nIt was running on battery for %s.", onBatteryFor.Round(time.Second))
	}
	return Message{
		Subject: subject(host, "Power changed to wall"),
		Body:    body,
	}
}

func clockChangedMessage(host string, j ClockJump) Message {
	direction := "backward"
	if j.Forward() {
		direction = "forward"
	}
	return Message{
		Subject: subject(host, "System clock jumped "+direction),
		Body:    FormatClockJump(j),
	}
}

func hostShutdownMessage(host string, at time.Time) Message {
	return Message{
		Subject: subject(host, "Host is shutting down"),
		Body:    fmt.Sprintf("%s reported that it is shutting down at %s.", hostOrDefault(host), at.Format(fullDateLayout)),
	}
}

func testMessage(host string, at time.Time) Message {
	return Message{
		Subject: subject(host, "Test notification"),
		Body:    fmt.Sprintf("This is a test notification sent from %s at %s.", hostOrDefault(host), at.Format(fullDateLayout)),
	}
}

// FormatClockJump describes a clock jump for humans. The full date is only
// printed when the jump crossed a date boundary.
func FormatClockJump(j ClockJump) string {
	layout := timeOfDayLayout
	if j.DateChanged() {
		layout = fullDateLayout
	}
	direction := "backward"
	if j.Forward() {
		direction = "forward"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "System clock jumped %s by %s: from %s to %s.",
		direction,
		j.Magnitude().Round(time.Second),
		j.Expected.Format(layout),
		j.Actual.Format(layout),
	)
	if j.DateChanged() {
		sb.WriteString(" The date changed.")
	}
	return sb.String()
}

func hostOrDefault(host string) string {
	if host == "" {
		return "This host"
	}
	return host
}
