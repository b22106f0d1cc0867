package scanner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// FilePlaceholder in an argument list is replaced with the scanned path.
const FilePlaceholder = "{file}"

// ErrEngineNotFound is returned when a preset cannot locate its binary.
var ErrEngineNotFound = errors.New("scan engine not found")

// OutputParser maps an engine's exit code and combined output to a verdict
type OutputParser func(exitCode int, output string) Verdict

// CommandDelegate runs an external command-line scanner per file
type CommandDelegate struct {
	name   string
	locate func() (string, error)
	args   []string
	parse  OutputParser
}

// NewCommandDelegate scans with binary, which may be a bare name looked up
// on PATH. args may contain FilePlaceholder; without one the path is appended.
func NewCommandDelegate(name, binary string, args []string, parse OutputParser) *CommandDelegate {
	if parse == nil {
		parse = ParseGenericOutput
	}
	return &CommandDelegate{
		name:   name,
		locate: func() (string, error) { return exec.LookPath(binary) },
		args:   args,
		parse:  parse,
	}
}

// Defender scans with Microsoft Defender's MpCmdRun.exe
func Defender() *CommandDelegate {
	return &CommandDelegate{
		name:   "defender",
		locate: locateMpCmdRun,
		args:   []string{"-Scan", "-ScanType", "3", "-File", FilePlaceholder},
		parse:  ParseDefenderOutput,
	}
}

// ClamAV scans with clamdscan when a daemon is installed, else clamscan
func ClamAV() *CommandDelegate {
	return &CommandDelegate{
		name: "clamav",
		locate: func() (string, error) {
			for _, bin := range []string{"clamdscan", "clamscan"} {
				if p, err := exec.LookPath(bin); err == nil {
					return p, nil
				}
			}
			return "", ErrEngineNotFound
		},
		args:  []string{"--no-summary", FilePlaceholder},
		parse: ParseClamAVOutput,
	}
}

func locateMpCmdRun() (string, error) {
	programFiles := os.Getenv("ProgramFiles")
	if programFiles == "" {
		programFiles = `C:\Program Files`
	}
	programData := os.Getenv("ProgramData")
	if programData == "" {
		programData = `C:\ProgramData`
	}

	candidates := []string{
		filepath.Join(programFiles, "Windows Defender", "MpCmdRun.exe"),
		filepath.Join(programFiles, "Microsoft Defender", "MpCmdRun.exe"),
	}
	platform, _ := filepath.Glob(filepath.Join(programData, "Microsoft", "Windows Defender", "Platform", "*", "MpCmdRun.exe"))
	candidates = append(candidates, platform...)

	for _, p := range candidates {
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			return p, nil
		}
	}
	return "", ErrEngineNotFound
}

func (c *CommandDelegate) Name() string { return c.name }

// Classify runs the engine once against path
func (c *CommandDelegate) Classify(ctx context.Context, path string) Verdict {
	if _, err := os.Stat(path); err != nil {
		return Verdict{Outcome: Indeterminate, Detail: fmt.Sprintf("file not readable: %v", err)}
	}

	bin, err := c.locate()
	if err != nil {
		return Verdict{Outcome: ScanUnavailable, Detail: fmt.Sprintf("%s: %v", c.name, err)}
	}

	cmd := exec.CommandContext(ctx, bin, c.expandArgs(path)...)
	cmd.WaitDelay = 2 * time.Second
	out, err := cmd.CombinedOutput()

	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Verdict{Outcome: ScanTimeout, Detail: fmt.Sprintf("%s did not finish", c.name)}
		}
		return Verdict{Outcome: Indeterminate, Detail: "scan cancelled"}
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return Verdict{Outcome: ScanUnavailable, Detail: fmt.Sprintf("%s: %v", c.name, err)}
		}
		exitCode = exitErr.ExitCode()
	}

	return c.parse(exitCode, string(out))
}

func (c *CommandDelegate) expandArgs(path string) []string {
	args := make([]string, 0, len(c.args)+1)
	replaced := false
	for _, a := range c.args {
		if strings.Contains(a, FilePlaceholder) {
			a = strings.ReplaceAll(a, FilePlaceholder, path)
			replaced = true
		}
		args = append(args, a)
	}
	if !replaced {
		args = append(args, path)
	}
	return args
}

// ParseDefenderOutput reads MpCmdRun's report. The clean markers are checked
// first because the clean report also contains the word "threats".
func ParseDefenderOutput(_ int, output string) Verdict {
	text := strings.ToLower(output)
	switch {
	case strings.Contains(text, "no threats"), strings.Contains(text, "threats found: 0"):
		return Verdict{Outcome: Benign}
	case strings.Contains(text, "detected"), strings.Contains(text, "threat"), strings.Contains(text, "quarantined"):
		return Verdict{Outcome: Threat, Detail: firstLineContaining(output, "threat", "detected")}
	default:
		return Verdict{Outcome: Indeterminate, Detail: strings.TrimSpace(output)}
	}
}

// ParseClamAVOutput uses clamscan's exit codes: 0 clean, 1 infected, 2 error.
func ParseClamAVOutput(exitCode int, output string) Verdict {
	switch exitCode {
	case 0:
		return Verdict{Outcome: Benign}
	case 1:
		detail := firstLineContaining(output, "FOUND")
		if i := strings.LastIndex(detail, ": "); i >= 0 {
			detail = strings.TrimSuffix(detail[i+2:], " FOUND")
		}
		return Verdict{Outcome: Threat, Detail: detail}
	default:
		return Verdict{Outcome: Indeterminate, Detail: strings.TrimSpace(output)}
	}
}

// ParseGenericOutput is used for user-supplied commands: a non-zero exit
// code with a threat marker is a threat, exit 0 with a clean marker or no
// marker at all is benign.
func ParseGenericOutput(exitCode int, output string) Verdict {
	v := ParseDefenderOutput(exitCode, output)
	if v.Outcome != Indeterminate {
		return v
	}
	if strings.Contains(output, "FOUND") {
		return Verdict{Outcome: Threat, Detail: firstLineContaining(output, "FOUND")}
	}
	if exitCode == 0 {
		return Verdict{Outcome: Benign}
	}
	return v
}

func firstLineContaining(output string, needles ...string) string {
	for _, line := range strings.Split(output, "\n") {
		lower := strings.ToLower(line)
		for _, n := range needles {
			if strings.Contains(line, n) || strings.Contains(lower, strings.ToLower(n)) {
				return strings.TrimSpace(line)
			}
		}
	}
	return ""
}
