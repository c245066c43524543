// Copyright (c) 2026 Gatekeeper Team
// Gatekeeper - access allowlist cache
// This source code is licensed under the MIT license found in the LICENSE file.
//
// Package cli implements the command-line interface for Gatekeeper using
// Cobra. It wires configuration and the allowlist store, and provides
// commands that delegate to the keystore, gate and journal packages. CLI
// code should remain thin.
package cli
