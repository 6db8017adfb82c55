package power

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Source represents where the host is currently drawing power from.
type Source int

const (
	// Unknown means the power source has not been classified yet.
	Unknown Source = iota
	// Wall means the host is running on external (AC) power.
	Wall
	// Battery means the host is running on its internal battery.
	Battery
)

func (s Source) String() string {
	switch s {
	case Wall:
		return "wall"
	case Battery:
		return "battery"
	default:
		return "unknown"
	}
}

// ParseSource parses the textual form produced by Source.String.
// "ac" and "online" are accepted for Wall, "offline" for Battery.
func ParseSource(s string) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "wall", "ac", "online":
		return Wall, nil
	case "battery", "offline":
		return Battery, nil
	case "unknown", "":
		return Unknown, nil
	default:
		return Unknown, fmt.Errorf("unknown power source %q", s)
	}
}

func (s Source) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Source) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	v, err := ParseSource(str)
	if err != nil {
		return err
	}
	*s = v
	return nil
}
