package svc

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
)

// LogOptions selects service log output.
type LogOptions struct {
	Name   string
	Follow bool
	Lines  int
	Out    io.Writer
}

// logCommand returns the platform command that prints the service log.
func logCommand(goos string, opts LogOptions) (string, []string, error) {
	lines := strconv.Itoa(opts.Lines)
	switch goos {
	case "linux":
		args := []string{"-u", opts.Name, "-n", lines, "--no-pager"}
		if opts.Follow {
			args = append(args, "-f")
		}
		return "journalctl", args, nil
	case "darwin":
		// launchd captures output into these files.
		files := []string{"/var/log/" + opts.Name + ".err.log", "/var/log/" + opts.Name + ".out.log"}
		if opts.Follow {
			return "tail", append([]string{"-f"}, files...), nil
		}
		return "tail", append([]string{"-n", lines}, files...), nil
	case "windows":
		script := fmt.Sprintf(
			"Get-WinEvent -FilterHashtable @{LogName='Application'; ProviderName='%s'} -MaxEvents %d -ErrorAction SilentlyContinue | Format-Table TimeCreated, LevelDisplayName, Message -AutoSize -Wrap",
			opts.Name, opts.Lines)
		return "powershell", []string{"-NoProfile", "-Command", script}, nil
	default:
		return "", nil, fmt.Errorf("log viewing not supported on %s", goos)
	}
}

// ViewLogs prints the service log with the platform's log tool.
func ViewLogs(opts LogOptions) error {
	if opts.Lines <= 0 {
		opts.Lines = 50
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	name, args, err := logCommand(runtime.GOOS, opts)
	if err != nil {
		return err
	}
	cmd := exec.Command(name, args...)
	cmd.Stdout = opts.Out
	cmd.Stderr = opts.Out
	cmd.Stdin = os.Stdin
	return cmd.Run()
}
