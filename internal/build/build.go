// Package build drives the container image builds for the deployment
// targets. It mirrors shell errexit/xtrace behavior: every command is
// logged before it runs and the first failure aborts the run.
package build

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	semver "github.com/blang/semver/v4"

	"github.com/labgrid-project/labgrid-go/internal/artifacts"
	"github.com/labgrid-project/labgrid-go/internal/logging"
)

// Targets are the deployment targets, built in this order.
var Targets = []string{"labgrid-client", "labgrid-exporter", "labgrid-coordinator"}

// Runner executes external commands. Split out so tests can record the
// exact invocations instead of shelling out.
type Runner interface {
	// Run executes the command with extra environment variables appended
	// to the current environment.
	Run(ctx context.Context, env []string, name string, args ...string) error
	// Output executes the command and returns its trimmed stdout.
	Output(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner runs commands on the host, logging each one first.
type ExecRunner struct {
	Logger logging.Logger
}

func (r *ExecRunner) Run(ctx context.Context, env []string, name string, args ...string) error {
	r.Logger.Info("+ "+name+" "+strings.Join(args, " "), "env", strings.Join(env, " "))
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func (r *ExecRunner) Output(ctx context.Context, name string, args ...string) (string, error) {
	r.Logger.Info("+ " + name + " " + strings.Join(args, " "))
	out, err := exec.CommandContext(ctx, name, args...).Output()
	return strings.TrimSpace(string(out)), err
}

// DescribeVersion resolves the version from git. A failed resolution
// aborts the build before anything is built.
func DescribeVersion(ctx context.Context, r Runner) (string, error) {
	out, err := r.Output(ctx, "git", "describe", "--tags", "--always", "--dirty")
	if err != nil {
		return "", fmt.Errorf("resolve version from git: %w", err)
	}
	if out == "" {
		return "", fmt.Errorf("git describe returned no version")
	}
	return NormalizeVersion(out), nil
}

// NormalizeVersion strips a leading "v" and canonicalizes the version when
// it parses as semver; anything else passes through unchanged.
func NormalizeVersion(v string) string {
	trimmed := strings.TrimPrefix(v, "v")
	if parsed, err := semver.ParseTolerant(trimmed); err == nil {
		return parsed.String()
	}
	return v
}

// Options selects what to build and where to put the result.
type Options struct {
	Version    string
	Dockerfile string
	ContextDir string
	Targets    []string
	SaveDir    string
	Store      *artifacts.Store
}

// Builder runs docker builds for the deployment targets.
type Builder struct {
	Runner Runner
	Logger logging.Logger
}

// ImageName returns the image reference for a target at a version.
func ImageName(target, version string) string {
	return fmt.Sprintf("labgrid/%s:%s", target, version)
}

func validTargets(requested []string) ([]string, error) {
	if len(requested) == 0 {
		return Targets, nil
	}
	for _, t := range requested {
		found := false
		for _, known := range Targets {
			if t == known {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown target %q, valid targets: %s", t, strings.Join(Targets, ", "))
		}
	}
	return requested, nil
}

// Build builds the requested targets sequentially. The first failing
// build aborts the run.
func (b *Builder) Build(ctx context.Context, opts Options) error {
	targets, err := validTargets(opts.Targets)
	if err != nil {
		return err
	}
	if opts.Version == "" {
		return fmt.Errorf("no version resolved")
	}
	dockerfile := opts.Dockerfile
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}
	contextDir := opts.ContextDir
	if contextDir == "" {
		contextDir = "."
	}
	env := []string{"DOCKER_BUILDKIT=1"}
	for _, target := range targets {
		image := ImageName(target, opts.Version)
		b.Logger.Info("building image", "target", target, "image", image)
		err := b.Runner.Run(ctx, env, "docker", "build",
			"--build-arg", "VERSION="+opts.Version,
			"--target", target,
			"-t", image,
			"-f", dockerfile,
			contextDir)
		if err != nil {
			return fmt.Errorf("build %s: %w", target, err)
		}
		if opts.SaveDir != "" || opts.Store != nil {
			if err := b.save(ctx, target, image, opts); err != nil {
				return err
			}
		}
	}
	return nil
}

// save writes the image to a tarball and optionally pushes it to the
// artifact store.
func (b *Builder) save(ctx context.Context, target, image string, opts Options) error {
	dir := opts.SaveDir
	if dir == "" {
		dir = os.TempDir()
	}
	tarball := filepath.Join(dir, target+"-"+opts.Version+".tar")
	if err := b.Runner.Run(ctx, nil, "docker", "save", "-o", tarball, image); err != nil {
		return fmt.Errorf("save %s: %w", image, err)
	}
	if opts.Store == nil {
		return nil
	}
	key, err := opts.Store.UploadImage(ctx, target, opts.Version, tarball)
	if err != nil {
		return fmt.Errorf("push %s: %w", image, err)
	}
	b.Logger.Info("image pushed", "target", target, "key", key, "bucket", opts.Store.Bucket)
	if opts.SaveDir == "" {
		os.Remove(tarball)
	}
	return nil
}
