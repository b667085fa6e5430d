package notify

import (
	"errors"
	"testing"
)

func TestEscapeAppleScript(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"hello", "hello"},
		{`say "hello"`, `say \"hello\"`},
		{`path\to\file`, `path\\to\\file`},
		{`"quote" and \backslash`, `\"quote\" and \\backslash`},
		{"", ""},
	}
	for _, tt := range tests {
		got := escapeAppleScript(tt.input)
		if got != tt.want {
			t.Errorf("escapeAppleScript(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestCommand(t *testing.T) {
	name, args, err := command("darwin", `FEAT-100 "conflict"`, "needs review")
	if err != nil {
		t.Fatalf("darwin: %v", err)
	}
	if name != "osascript" || len(args) != 2 {
		t.Fatalf("darwin: got %s %v", name, args)
	}
	want := `display notification "needs review" with title "FEAT-100 \"conflict\"" sound name "default"`
	if args[1] != want {
		t.Errorf("script = %s, want %s", args[1], want)
	}

	name, args, err = command("linux", "t", "m")
	if err != nil || name != "notify-send" {
		t.Fatalf("linux: got %s %v %v", name, args, err)
	}
	if args[len(args)-2] != "t" || args[len(args)-1] != "m" {
		t.Errorf("linux args = %v", args)
	}

	if _, _, err := command("plan9", "t", "m"); !errors.Is(err, ErrUnsupported) {
		t.Errorf("plan9: err = %v, want ErrUnsupported", err)
	}
}
