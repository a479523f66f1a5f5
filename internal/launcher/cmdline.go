package launcher

import (
	"strings"
)

// listenFlags are the flags stripped when a command line is replayed on a
// remote node. Both separate-argument and flag=value spellings are handled.
var listenFlags = []string{"-l", "--listen-address"}

// RewriteForSlaves turns this process's command line into the one executed
// on each bootstrapped node: the listen flags are removed and the advertised
// master endpoint is appended as a server address.
func RewriteForSlaves(args []string, advertise Endpoint) []string {
	out := make([]string, 0, len(args)+2)
	skip := false
	for _, arg := range args {
		if skip {
			skip = false
			continue
		}
		if isListenFlag(arg) {
			skip = true
			continue
		}
		if hasListenPrefix(arg) {
			continue
		}
		out = append(out, arg)
	}
	return append(out, "-s", advertise.String())
}

func isListenFlag(arg string) bool {
	for _, f := range listenFlags {
		if arg == f {
			return true
		}
	}
	return false
}

func hasListenPrefix(arg string) bool {
	for _, f := range listenFlags {
		if strings.HasPrefix(arg, f+"=") {
			return true
		}
	}
	return false
}

// CommandLine renders a rewritten argument vector back into a shell command
// string for the remote bootstrap channel.
func CommandLine(args []string) string {
	quoted := make([]string, len(args))
	for i, arg := range args {
		quoted[i] = shellQuote(arg)
	}
	return strings.Join(quoted, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\$&|;<>()*?[]#~%") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
