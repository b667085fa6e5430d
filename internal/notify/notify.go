// Package notify provides desktop notification support.
package notify

import (
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

// ErrUnsupported is returned on platforms without a known notifier.
var ErrUnsupported = errors.New("desktop notifications not supported on this platform")

// Sender delivers one notification.
type Sender func(title, message string) error

// Send shows a desktop notification: osascript on macOS, notify-send on
// Linux.
func Send(title, message string) error {
	name, args, err := command(runtime.GOOS, title, message)
	if err != nil {
		return err
	}
	cmd := exec.Command(name, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Discard is a Sender that drops every notification.
func Discard(string, string) error { return nil }

func command(goos, title, message string) (string, []string, error) {
	switch goos {
	case "darwin":
		script := fmt.Sprintf(
			`display notification "%s" with title "%s" sound name "default"`,
			escapeAppleScript(message), escapeAppleScript(title),
		)
		return "osascript", []string{"-e", script}, nil
	case "linux":
		return "notify-send", []string{"--app-name=specsync", title, message}, nil
	}
	return "", nil, ErrUnsupported
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
