package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"warden/internal/punishment"
)

// ParseDuration reads a moderator-supplied duration such as "30m", "12h",
// "7d" or "perm". "perm" (and "permanent") maps to punishment.Indefinite.
func ParseDuration(value string) (time.Duration, error) {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if trimmed == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if trimmed == "perm" || trimmed == "permanent" {
		return punishment.Indefinite, nil
	}

	unit := trimmed[len(trimmed)-1:]
	amount, err := strconv.Atoi(trimmed[:len(trimmed)-1])
	if err != nil || amount <= 0 {
		return 0, fmt.Errorf("invalid duration %q", value)
	}

	switch unit {
	case "s":
		return time.Duration(amount) * time.Second, nil
	case "m":
		return time.Duration(amount) * time.Minute, nil
	case "h":
		return time.Duration(amount) * time.Hour, nil
	case "d":
		return time.Duration(amount) * 24 * time.Hour, nil
	case "w":
		return time.Duration(amount) * 7 * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("invalid duration %q", value)
}

// FormatDuration renders a duration the way moderators write them.
func FormatDuration(d time.Duration) string {
	if d == punishment.Indefinite {
		return "permanent"
	}
	switch {
	case d >= 7*24*time.Hour && d%(7*24*time.Hour) == 0:
		return fmt.Sprintf("%dw", d/(7*24*time.Hour))
	case d >= 24*time.Hour && d%(24*time.Hour) == 0:
		return fmt.Sprintf("%dd", d/(24*time.Hour))
	case d >= time.Hour && d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d >= time.Minute && d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	}
	return fmt.Sprintf("%ds", d/time.Second)
}
