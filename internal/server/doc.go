// Package server hosts the Fiber HTTP service and its middleware chain.
// NewApp attaches panic recovery and request ids, then hands every request
// outside the reserved /-/ namespace to an injected ProxyHandler. Diagnostics
// routes live in the routes subpackage and are registered by the caller after
// NewApp, so keep exports narrow and accept explicit dependencies.
package server
