package remote

import (
	"fmt"
	"net"
	"path"
	"regexp"
	"strings"
	"time"
)

// Worker layout below a node's home directory
const (
	ExecutableRelPath = "bin/jmeter-server"
	WorkDirRelPath    = "bin/stressTestCases"

	// StartMarker must appear in the start command output for the worker to count as running
	StartMarker = "remote"

	workerLogFile = "jmeter-server.out"
)

var (
	safePathRe = regexp.MustCompile(`^/[A-Za-z0-9._/-]*$`)
	hostnameRe = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?(\.[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?)*$`)
)

// quote wraps s in single quotes for POSIX sh
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// ValidatePath rejects anything but absolute paths built from [A-Za-z0-9._/-]
func ValidatePath(p string) error {
	if !safePathRe.MatchString(p) {
		return fmt.Errorf("path %q contains characters outside [A-Za-z0-9._/-] or is not absolute", p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return fmt.Errorf("path %q must not contain '..'", p)
		}
	}
	return nil
}

// ValidateHost accepts IP addresses and RFC 1123 host names
func ValidateHost(h string) error {
	if net.ParseIP(h) != nil {
		return nil
	}
	if len(h) > 253 || !hostnameRe.MatchString(h) {
		return fmt.Errorf("host %q is neither an IP address nor a valid host name", h)
	}
	return nil
}

// ExecutablePath returns the worker start script location for homeDir
func ExecutablePath(homeDir string) string {
	return path.Join(homeDir, ExecutableRelPath)
}

// WorkDir returns the worker working directory for homeDir
func WorkDir(homeDir string) string {
	return path.Join(homeDir, WorkDirRelPath)
}

// ChecksumCommand prints the md5 of the worker executable, or nothing if it is missing
func ChecksumCommand(homeDir string) (Command, error) {
	if err := ValidatePath(homeDir); err != nil {
		return Command{}, err
	}
	return Command{
		Name: "checksum",
		Text: fmt.Sprintf("md5sum %s 2>/dev/null | cut -d ' ' -f1", quote(ExecutablePath(homeDir))),
	}, nil
}

// MkdirCommand creates the worker working directory if absent
func MkdirCommand(homeDir string) (Command, error) {
	if err := ValidatePath(homeDir); err != nil {
		return Command{}, err
	}
	return Command{
		Name: "mkdir",
		Text: "mkdir -p " + quote(WorkDir(homeDir)),
	}, nil
}

// StartCommand launches the worker detached from the session with serverHost as
// its RMI server identity, then polls its output for up to wait before printing it.
func StartCommand(homeDir, serverHost string, wait time.Duration) (Command, error) {
	if err := ValidatePath(homeDir); err != nil {
		return Command{}, err
	}
	if err := ValidateHost(serverHost); err != nil {
		return Command{}, err
	}

	polls := int(wait / time.Second)
	if polls < 1 {
		polls = 1
	}

	var b strings.Builder
	b.WriteString("[ -f /etc/bashrc ] && . /etc/bashrc; ")
	fmt.Fprintf(&b, "cd %s || exit 1; ", quote(WorkDir(homeDir)))
	fmt.Fprintf(&b, "nohup sh ../jmeter-server %s > %s 2>&1 < /dev/null & ",
		quote("-Djava.rmi.server.hostname="+serverHost), workerLogFile)
	fmt.Fprintf(&b, "i=0; while [ $i -lt %d ]; do grep -q %s %s && break; sleep 1; i=$((i+1)); done; ",
		polls, quote(StartMarker), workerLogFile)
	fmt.Fprintf(&b, "cat %s", workerLogFile)

	return Command{Name: "start", Text: b.String()}, nil
}

// KillCommand force-kills every worker process on the host. It succeeds when
// nothing matches. The bracket keeps the pattern from matching this shell.
func KillCommand() Command {
	return Command{
		Name: "kill",
		Text: "pkill -9 -f '[j]meter-server'; true",
	}
}
