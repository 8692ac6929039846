// Command logwrapper runs a task command under the platform shell, relaying
// its combined stdout/stderr into rotating log files. It runs as a separate
// process so log I/O cannot destabilize the scheduler, and reports the final
// log file path on stderr as "LOG_FILE_PATH:<path>" before exiting with the
// child's exit code.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"taskpanel/internal/logrotate"
)

func main() {
	if len(os.Args) < 5 {
		fmt.Fprintln(os.Stderr, "Usage: logwrapper <command> <log_dir> <task_id> <task_name>")
		os.Exit(2)
	}
	command := os.Args[1]
	logDir := os.Args[2]
	taskID, err := strconv.ParseInt(os.Args[3], 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid task id %q\n", os.Args[3])
		os.Exit(2)
	}
	taskName := os.Args[4]

	os.Exit(run(command, logDir, taskID, taskName))
}

func run(command, logDir string, taskID int64, taskName string) int {
	rotator, err := logrotate.New(logDir, taskID, taskName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	cmd := shellCommand(command)
	pr, pw, err := os.Pipe()
	if err != nil {
		rotator.Close()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		rotator.Close()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	// The child holds its own copy of the write end.
	pw.Close()

	var signalled atomic.Bool
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigs
		signalled.Store(true)
		_ = cmd.Process.Signal(syscall.SIGTERM)
		time.AfterFunc(5*time.Second, func() {
			_ = cmd.Process.Kill()
		})
	}()

	relay(pr, rotator)
	pr.Close()

	exitCode := 0
	if err := cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = 1
		}
	}

	if err := rotator.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	fmt.Fprintf(os.Stderr, "LOG_FILE_PATH:%s\n", rotator.CurrentPath())

	if signalled.Load() {
		return 0
	}
	return exitCode
}

// relay copies the child's merged output into the rotator line by line.
// ReadLine caps memory per read, so a line longer than the buffer arrives as
// several chunks and is logged as several lines; program output must never be
// able to abort the relay and take the job down with it.
func relay(r io.Reader, rotator *logrotate.Rotator) {
	reader := bufio.NewReaderSize(r, 64*1024)
	for {
		chunk, _, err := reader.ReadLine()
		if err != nil {
			if err != io.EOF {
				fmt.Fprintf(os.Stderr, "Error: read output: %v\n", err)
			}
			return
		}
		if werr := rotator.WriteLine(string(chunk)); werr != nil {
			// Recoverable: report and keep relaying.
			fmt.Fprintf(os.Stderr, "Error: %v\n", werr)
		}
	}
}

// shellCommand wraps the composed command line in the platform shell. Windows
// uses cmd rather than PowerShell so control characters in program output are
// not reinterpreted.
func shellCommand(command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.Command("cmd", "/C", command) // #nosec G204
	}
	return exec.Command("/bin/sh", "-c", command) // #nosec G204
}
