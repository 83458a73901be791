// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for chatsync.
//
// Configuration is loaded from a single file specified by either the
// CHATSYNC_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There is no automatic file search.
//
// The file may contain development and production sections that
// override base values when [Config].Environment matches. Production
// is stricter: [Config.Validate] requires https and wss endpoints.
//
// Path fields are expanded after loading: ${HOME}, ${CHATSYNC_ROOT},
// and ${VAR:-default} patterns. No other environment variables
// override config values.
//
// This package depends on no other chatsync packages.
package config
