// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package testutil contains helpers shared by tests across the repository.
package testutil

import (
	"testing"

	"github.com/hashicorp/go-hclog"
)

// Logger returns an hclog instance that routes output through t.Log, so log
// lines show up attached to the test that emitted them.
func Logger(t testing.TB) hclog.InterceptLogger {
	return hclog.NewInterceptLogger(&hclog.LoggerOptions{
		Name:   t.Name(),
		Level:  hclog.Trace,
		Output: &testWriter{t},
	})
}

type testWriter struct {
	t testing.TB
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))
	return len(p), nil
}
