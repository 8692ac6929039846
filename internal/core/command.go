package core

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// condaInitFor maps a platform onto the shell snippet that makes
// `conda activate` available in a non-interactive shell. POSIX shells need
// conda.sh sourced; Windows runs the command through cmd, where the conda
// batch shim is already on PATH, so no prelude is required.
var condaInitFor = map[string]func() string{
	"linux":   posixCondaInit,
	"darwin":  posixCondaInit,
	"windows": func() string { return "" },
}

// ComposeCommand joins the environment activation command and the main
// program command so the program only runs if activation succeeded. When the
// activation uses conda, the platform-specific initialization snippet is
// prepended. The result is passed to the log wrapper as a single opaque
// argument, never run through a shell by the caller.
func ComposeCommand(activate, main string) string {
	parts := make([]string, 0, 3)
	if strings.Contains(activate, "conda activate") {
		if initFn, ok := condaInitFor[runtime.GOOS]; ok {
			if snippet := initFn(); snippet != "" {
				parts = append(parts, snippet)
			}
		} else {
			parts = append(parts, `eval "$(conda shell.bash hook)"`)
		}
	}
	if activate = strings.TrimSpace(activate); activate != "" {
		parts = append(parts, activate)
	}
	if main = strings.TrimSpace(main); main != "" {
		parts = append(parts, main)
	}
	return strings.Join(parts, " && ")
}

func posixCondaInit() string {
	base := "/opt/conda"
	if exe := os.Getenv("CONDA_EXE"); exe != "" {
		base = filepath.Dir(filepath.Dir(exe))
	}
	return "source " + filepath.Join(base, "etc", "profile.d", "conda.sh")
}
