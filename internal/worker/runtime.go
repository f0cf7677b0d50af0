package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Runtime executes a build descriptor and streams its output.
type Runtime interface {
	Build(ctx context.Context, spec BuildSpec, out io.Writer) (exitCode int, err error)
}

// BuildSpec describes one build.
type BuildSpec struct {
	JobID      string
	Descriptor string // Dockerfile text, or a shell script for the shell runtime
	CacheHint  string
	Dir        string // Scratch directory owned by this build
}

// CommandRunner abstracts command execution for testing. Combined stdout
// and stderr are written to out as they are produced.
type CommandRunner interface {
	Run(ctx context.Context, dir string, out io.Writer, name string, args ...string) (exitCode int, err error)
}

// osCommandRunner is the real implementation using os/exec.
type osCommandRunner struct{}

func (r *osCommandRunner) Run(ctx context.Context, dir string, out io.Writer, name string, args ...string) (int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = 5 * time.Second

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
		return 0, nil
	case errors.As(runErr, &exitErr):
		return exitErr.ExitCode(), nil
	default:
		return -1, runErr
	}
}

// ContainerRuntime builds Dockerfiles with the docker or podman CLI.
type ContainerRuntime struct {
	cli    string
	runner CommandRunner
}

// NewContainerRuntime creates a ContainerRuntime driving cli.
func NewContainerRuntime(cli string) *ContainerRuntime {
	return &ContainerRuntime{cli: cli, runner: &osCommandRunner{}}
}

func newContainerRuntimeWithRunner(cli string, runner CommandRunner) *ContainerRuntime {
	return &ContainerRuntime{cli: cli, runner: runner}
}

func (r *ContainerRuntime) Build(ctx context.Context, spec BuildSpec, out io.Writer) (int, error) {
	if strings.TrimSpace(spec.Descriptor) == "" {
		return -1, fmt.Errorf("%s runtime: empty Dockerfile", r.cli)
	}
	if err := os.WriteFile(filepath.Join(spec.Dir, "Dockerfile"), []byte(spec.Descriptor), 0o644); err != nil {
		return -1, fmt.Errorf("%s runtime: write Dockerfile: %w", r.cli, err)
	}

	code, err := r.runner.Run(ctx, spec.Dir, out, r.cli, r.buildArgs(spec)...)
	if err != nil {
		return code, fmt.Errorf("%s runtime: %w", r.cli, err)
	}
	return code, nil
}

func (r *ContainerRuntime) buildArgs(spec BuildSpec) []string {
	args := []string{"build"}
	// podman prints plain output already and has no --progress flag.
	if r.cli == "docker" {
		args = append(args, "--progress=plain")
	}
	args = append(args, "-f", "Dockerfile")

	if tag := cacheTag(spec.CacheHint); tag != "" {
		args = append(args, "-t", tag, "--cache-from", tag)
	}
	return append(args, ".")
}

// cacheTag maps a cache hint to an image reference shared by builds with the
// same hint.
func cacheTag(hint string) string {
	hint = strings.ToLower(strings.TrimSpace(hint))
	if hint == "" {
		return ""
	}
	var b strings.Builder
	for _, r := range hint {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	tag := strings.Trim(b.String(), ".-")
	if len(tag) > 120 {
		tag = tag[:120]
	}
	if tag == "" {
		return ""
	}
	return "kiln-cache:" + tag
}

// ShellRuntime runs the descriptor as a shell script on the host. It exists
// for development on machines without a container engine.
type ShellRuntime struct {
	runner CommandRunner
}

// NewShellRuntime creates a ShellRuntime.
func NewShellRuntime() *ShellRuntime {
	return &ShellRuntime{runner: &osCommandRunner{}}
}

func newShellRuntimeWithRunner(runner CommandRunner) *ShellRuntime {
	return &ShellRuntime{runner: runner}
}

func (r *ShellRuntime) Build(ctx context.Context, spec BuildSpec, out io.Writer) (int, error) {
	script := filepath.Join(spec.Dir, "build.sh")
	if err := os.WriteFile(script, []byte(spec.Descriptor), 0o755); err != nil {
		return -1, fmt.Errorf("shell runtime: write script: %w", err)
	}

	code, err := r.runner.Run(ctx, spec.Dir, out, "sh", "-e", script)
	if err != nil {
		return code, fmt.Errorf("shell runtime: %w", err)
	}
	return code, nil
}

// NewRuntime creates a Runtime based on the runtime name.
func NewRuntime(name string) (Runtime, error) {
	switch name {
	case "docker", "podman":
		return NewContainerRuntime(name), nil
	case "shell":
		return NewShellRuntime(), nil
	default:
		return nil, fmt.Errorf("unknown runtime: %s", name)
	}
}
