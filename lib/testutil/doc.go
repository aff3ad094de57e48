// Copyright 2026 The FieldGrid Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds small helpers shared by tests across the
// repository. The channel helpers wrap the select-with-timeout pattern
// so a hung component fails the test instead of hanging the run.
package testutil
