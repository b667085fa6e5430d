package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"

	"github.com/msageha/specsync/internal/model"
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
	faint  = color.New(color.Faint)
)

var stdout io.Writer = os.Stdout

func success(format string, a ...any) {
	green.Fprintf(stdout, "✓ "+format+"\n", a...)
}

func warning(format string, a ...any) {
	yellow.Fprintf(stdout, "! "+format+"\n", a...)
}

func info(format string, a ...any) {
	fmt.Fprintf(stdout, format+"\n", a...)
}

func printError(err error) {
	var me *model.Error
	if errors.As(err, &me) {
		red.Fprintf(os.Stderr, "error [%s]", me.Kind)
		fmt.Fprintf(os.Stderr, " %s\n", err)
		return
	}
	red.Fprint(os.Stderr, "error")
	fmt.Fprintf(os.Stderr, " %s\n", err)
}

// emit prints v as indented JSON when --json is set and reports whether it
// did, so callers can skip their text rendering.
func emit(v any) (bool, error) {
	if !jsonOutput {
		return false, nil
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return true, enc.Encode(v)
}

func statusColor(s string) *color.Color {
	switch s {
	case string(model.TaskStatusComplete), string(model.SpecStatusDone), string(model.ConflictResolved):
		return green
	case string(model.TaskStatusInProgress), string(model.SpecStatusActive):
		return cyan
	case string(model.TaskStatusBlocked), string(model.SpecStatusCancelled), string(model.ConflictPending):
		return yellow
	}
	return faint
}

func bar(percent float64, width int) string {
	filled := int(percent / 100 * float64(width))
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", width-filled) + "]"
}
