package core

import (
	"runtime"
	"strings"
	"testing"
)

func TestComposeCommand(t *testing.T) {
	tests := []struct {
		name     string
		activate string
		main     string
		want     string
	}{
		{
			name: "main only",
			main: "python train.py",
			want: "python train.py",
		},
		{
			name:     "plain activation joins with and",
			activate: "source venv/bin/activate",
			main:     "python train.py",
			want:     "source venv/bin/activate && python train.py",
		},
		{
			name:     "whitespace trimmed",
			activate: "  source venv/bin/activate  ",
			main:     "  python train.py  ",
			want:     "source venv/bin/activate && python train.py",
		},
		{
			name: "empty yields empty",
			want: "",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := ComposeCommand(tt.activate, tt.main); got != tt.want {
				t.Fatalf("ComposeCommand = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestComposeCommandCondaInit(t *testing.T) {
	got := ComposeCommand("conda activate myenv", "python train.py")

	if !strings.HasSuffix(got, "conda activate myenv && python train.py") {
		t.Fatalf("command does not end with activation chain: %q", got)
	}
	switch runtime.GOOS {
	case "windows":
		if got != "conda activate myenv && python train.py" {
			t.Fatalf("unexpected prelude on windows: %q", got)
		}
	default:
		if !strings.Contains(got, "conda.sh") && !strings.Contains(got, "conda shell.bash hook") {
			t.Fatalf("missing conda initialization prelude: %q", got)
		}
	}
}

func TestComposeCommandNoCondaInitWithoutConda(t *testing.T) {
	got := ComposeCommand("source venv/bin/activate", "python run.py")
	if strings.Contains(got, "conda") {
		t.Fatalf("unexpected conda prelude: %q", got)
	}
}
