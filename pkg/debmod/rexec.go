package debmod

import (
	"errors"
	"fmt"
	"io"
	"os/exec"

	"github.com/cosiner/argv"
)

// ParseCommandLine splits cmdline into a pipeline of argument vectors using
// shell quoting rules. Backticks are rejected.
func ParseCommandLine(cmdline string) ([][]string, error) {
	pipeline, err := argv.Argv(cmdline,
		func(s string) (string, error) {
			return "", fmt.Errorf("backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(pipeline) == 0 {
		return nil, errors.New("empty command line")
	}
	for _, args := range pipeline {
		if len(args) == 0 {
			return nil, fmt.Errorf("illegal commandline '%s'", cmdline)
		}
	}
	return pipeline, nil
}

// Rexec runs cmdline, connecting the commands of a pipeline to each other,
// and returns the exit code of the last command. The standard output of
// the last command goes to stdout, the standard error of every command to
// stderr; nil discards them.
func Rexec(cmdline string, stdout, stderr io.Writer) (int, error) {
	pipeline, err := ParseCommandLine(cmdline)
	if err != nil {
		return -1, err
	}
	return RunPipeline(pipeline, stdout, stderr)
}

// SplitPipeline cuts an already split argument vector at every "|"
// element. Other elements are kept as they are, spaces and quotes included.
func SplitPipeline(args []string) ([][]string, error) {
	var pipeline [][]string
	start := 0
	for i := 0; i <= len(args); i++ {
		if i < len(args) && args[i] != "|" {
			continue
		}
		if i == start {
			return nil, fmt.Errorf("illegal commandline %q", args)
		}
		pipeline = append(pipeline, args[start:i])
		start = i + 1
	}
	return pipeline, nil
}

// RunPipeline is Rexec for a command line that is already split.
func RunPipeline(pipeline [][]string, stdout, stderr io.Writer) (int, error) {
	if len(pipeline) == 0 {
		return -1, errors.New("empty command line")
	}
	cmds := make([]*exec.Cmd, len(pipeline))
	for i, args := range pipeline {
		cmds[i] = exec.Command(args[0], args[1:]...)
		cmds[i].Stderr = stderr
	}
	for i := 0; i < len(cmds)-1; i++ {
		r, err := cmds[i].StdoutPipe()
		if err != nil {
			return -1, err
		}
		cmds[i+1].Stdin = r
	}
	cmds[len(cmds)-1].Stdout = stdout

	for i, cmd := range cmds {
		if err := cmd.Start(); err != nil {
			for _, started := range cmds[:i] {
				started.Process.Kill()
				started.Wait()
			}
			return -1, err
		}
	}
	var lastErr error
	for _, cmd := range cmds {
		lastErr = cmd.Wait()
	}
	if lastErr == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(lastErr, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, lastErr
}
