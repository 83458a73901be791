// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"fmt"
	"os"
)

// ExitCoder is implemented by errors that carry a specific process
// exit status.
type ExitCoder interface {
	ExitCode() int
}

// Fatal writes "error: err" to stderr and exits. The exit status is 1
// unless err implements ExitCoder.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	code := 1
	if coder, ok := err.(ExitCoder); ok {
		code = coder.ExitCode()
	}
	os.Exit(code)
}
