package lifecycle

import (
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
)

const envDaemonized = "FLOWCTL_DAEMONIZED"

// Daemonized reports whether this process is already the detached child.
func Daemonized() bool {
	return os.Getenv(envDaemonized) == "1"
}

// Daemonize re-executes the current command line as a session leader
// detached from the terminal and returns the child's pid. The caller exits
// afterwards; the child carries the run.
func Daemonize(args []string) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, err
	}
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return 0, err
	}
	defer devnull.Close()

	cmd := exec.Command(exe, stripBackgroundFlag(args[1:])...)
	cmd.Env = append(os.Environ(), envDaemonized+"=1")
	cmd.Stdin = devnull
	cmd.Stdout = devnull
	cmd.Stderr = devnull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	log.Info().Int("pid", cmd.Process.Pid).Msg("lifecycle.Daemonize detached child started")
	return cmd.Process.Pid, nil
}

func stripBackgroundFlag(args []string) []string {
	out := make([]string, 0, len(args))
	for _, arg := range args {
		if arg == "-b" || arg == "--background" || strings.HasPrefix(arg, "--background=") {
			continue
		}
		out = append(out, arg)
	}
	return out
}
