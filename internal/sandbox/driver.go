// Copyright 2025 James Ross
// Package sandbox runs one test case inside one disposable, resource
// limited container, the way §4.4 requires: network disabled, a
// read-only root filesystem except a small writable /tmp tmpfs, a
// non-root user, and a hard wall-clock timeout. It is grounded on the
// teacher's testcontainers-go usage in test/integration (the
// ContainerRequest / GenericContainer / wait pattern), adapted from a
// long-lived fixture container into a one-shot batch execution driver.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/testcontainers/testcontainers-go"

	"github.com/optimus-run/optimus/internal/config"
	"github.com/optimus-run/optimus/internal/model"
)

// CompileErrorExitCode is the exit code Optimus's language images are
// contractually required to use when the compile step, not the
// submitted program, is what failed (the §13 Open Question decision).
const CompileErrorExitCode = 124

// sourcePath and inputPath are the two files every language image
// reads by convention: the submission itself, and the test case's
// input. GenericContainer has no stdin attachment, so the input file
// substitutes for a literal OS pipe; every optimus-* image's
// entrypoint is required to open inputPath and treat its contents as
// its process stdin.
const (
	sourcePath = "/workspace/source"
	inputPath  = "/workspace/stdin"
)

// pollInterval is how often Run polls container state while waiting
// for the process to exit on its own.
const pollInterval = 25 * time.Millisecond

// Driver creates, feeds, times out, classifies and tears down one
// container per test case. Every container it creates is guaranteed
// removed before Run returns, on every exit path.
type Driver struct {
	stdoutCapBytes int
	stderrCapBytes int
}

// New returns a driver that truncates captured stdout/stderr to
// capBytes each (0 falls back to 1MiB, matching the worker's default).
func New(capBytes int) *Driver {
	if capBytes <= 0 {
		capBytes = 1 << 20
	}
	return &Driver{stdoutCapBytes: capBytes, stderrCapBytes: capBytes}
}

// Run executes sourceCode against a single test case inside a fresh
// container built from image, bounded by limits and timeoutMS, and
// returns a classified TestResult. It never returns an error for a
// program that merely misbehaves (that's a TestStatus); it returns an
// error only when the sandbox itself could not be set up or reaped.
func (d *Driver) Run(ctx context.Context, image string, limits config.ResourceLimits, sourceCode string, tc model.TestCase, timeoutMS int) (model.TestResult, error) {
	result := model.TestResult{TestID: tc.TestID, Weight: tc.Weight}

	req := testcontainers.ContainerRequest{
		Image:      image,
		User:       "65534:65534", // nobody: never run submissions as root
		WorkingDir: "/workspace",
		Files: []testcontainers.ContainerFile{
			{Reader: strings.NewReader(sourceCode), ContainerFilePath: sourcePath, FileMode: 0o444},
			{Reader: strings.NewReader(tc.Input), ContainerFilePath: inputPath, FileMode: 0o444},
		},
		HostConfigModifier: func(hc *dockercontainer.HostConfig) {
			hc.NetworkMode = "none"
			hc.ReadonlyRootfs = true
			hc.Tmpfs = map[string]string{"/tmp": "rw,size=16m"}
			hc.Resources = dockercontainer.Resources{
				Memory:   limits.MemoryBytes,
				NanoCPUs: int64(limits.CPUQuota * 1e9),
			}
		},
	}

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return model.TestResult{}, fmt.Errorf("create sandbox container: %w", err)
	}
	defer func() {
		_ = c.Terminate(context.Background())
	}()

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMS)*time.Millisecond)
	defer cancel()

	exitCode, oomKilled, timedOut, waitErr := waitForExit(runCtx, c)
	stdout, stderr := collectLogs(ctx, c, d.stdoutCapBytes, d.stderrCapBytes)
	result.Stdout = stdout
	result.Stderr = stderr

	switch {
	case waitErr != nil && !timedOut:
		return model.TestResult{}, fmt.Errorf("wait for sandbox exit: %w", waitErr)
	case timedOut:
		result.Status = model.TestTimeLimitExceeded
	case oomKilled:
		result.Status = model.TestRuntimeError
	case exitCode == CompileErrorExitCode:
		result.Status = model.TestCompileError
	case exitCode != 0:
		result.Status = model.TestRuntimeError
		result.ExitCode = &exitCode
	default:
		result.ExitCode = &exitCode
		if strings.TrimSpace(stdout) == strings.TrimSpace(tc.ExpectedOutput) {
			result.Status = model.TestPassed
		} else {
			result.Status = model.TestFailed
		}
	}
	return result, nil
}

// waitForExit polls container state until the process exits or ctx's
// deadline (the test case's timeout_ms) elapses, in which case it
// force-stops the container and reports timedOut.
func waitForExit(ctx context.Context, c testcontainers.Container) (exitCode int, oomKilled bool, timedOut bool, err error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			zero := 0
			_ = c.Stop(context.Background(), &zero)
			return 0, false, true, nil
		case <-ticker.C:
			state, stateErr := c.State(ctx)
			if stateErr != nil {
				return 0, false, false, stateErr
			}
			if !state.Running {
				return state.ExitCode, state.OOMKilled, false, nil
			}
		}
	}
}

// collectLogs demuxes the container's combined docker log stream into
// separate stdout/stderr strings, each capped at its byte limit.
func collectLogs(ctx context.Context, c testcontainers.Container, stdoutCap, stderrCap int) (stdout, stderr string) {
	rc, err := c.Logs(ctx)
	if err != nil {
		return "", ""
	}
	defer rc.Close()

	var outBuf, errBuf bytes.Buffer
	_, _ = stdcopy.StdCopy(&outBuf, &errBuf, rc)
	return capString(outBuf.String(), stdoutCap), capString(errBuf.String(), stderrCap)
}

func capString(s string, capBytes int) string {
	if capBytes <= 0 || len(s) <= capBytes {
		return s
	}
	return s[:capBytes]
}
