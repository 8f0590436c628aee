// Package worker hosts the intercepting worker: a lifecycle state machine
// (install, activate, intercept, message) driving per-generation instances.
// Each instance owns its redirect flag and negative-result set; the manager
// swaps instances atomically so in-flight intercepts keep the instance they
// started with.
package worker
