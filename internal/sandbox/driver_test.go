//go:build integration_tests
// +build integration_tests

// Copyright 2025 James Ross
package sandbox

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/optimus-run/optimus/internal/config"
	"github.com/optimus-run/optimus/internal/model"
)

// These exercise the real container lifecycle against a docker daemon
// and are skipped outside -tags=integration_tests, same convention as
// the kubernetes-operator's controller suite.

func TestSandbox(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Sandbox Driver Suite")
}

var _ = Describe("Driver.Run", func() {
	var (
		d   *Driver
		ctx context.Context
	)

	BeforeEach(func() {
		d = New(1 << 16)
		ctx = context.Background()
	})

	It("passes when stdout matches the expected output", func() {
		runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		limits := config.ResourceLimits{MemoryBytes: 256 << 20, CPUQuota: 0.5}
		tc := model.TestCase{TestID: 1, ExpectedOutput: "hello\n", Weight: 10}

		result, err := d.Run(runCtx, "optimus-python:3.11-v1", limits, "print('hello')", tc, 5000)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Status).To(Equal(model.TestPassed))
	})

	It("classifies an infinite loop as time_limit_exceeded", func() {
		runCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		limits := config.ResourceLimits{MemoryBytes: 256 << 20, CPUQuota: 0.5}
		tc := model.TestCase{TestID: 1, Weight: 10}

		result, err := d.Run(runCtx, "optimus-python:3.11-v1", limits, "while True: pass", tc, 500)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Status).To(Equal(model.TestTimeLimitExceeded))
	})

	It("classifies a compile failure using the reserved exit code", func() {
		runCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()

		limits := config.ResourceLimits{MemoryBytes: 512 << 20, CPUQuota: 1.0}
		tc := model.TestCase{TestID: 1, Weight: 10}

		result, err := d.Run(runCtx, "optimus-java:11-v1", limits, "this is not valid java", tc, 5000)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Status).To(Equal(model.TestCompileError))
	})

	It("truncates stdout beyond the driver's cap", func() {
		runCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()

		small := New(16)
		limits := config.ResourceLimits{MemoryBytes: 256 << 20, CPUQuota: 0.5}
		tc := model.TestCase{TestID: 1, Weight: 10}

		result, err := small.Run(runCtx, "optimus-python:3.11-v1", limits, "print('x' * 1000)", tc, 5000)
		Expect(err).NotTo(HaveOccurred())
		Expect(len(result.Stdout)).To(BeNumerically("<=", 16))
	})
})
