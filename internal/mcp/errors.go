// Package mcp provides an MCP (Model Context Protocol) server that exposes
// anonymize and deanonymize as tools, so an AI assistant can scrub text
// before it leaves the machine and restore its own answers afterwards.
package mcp

import "errors"

// ErrMissingService is returned when no anonymization service is provided.
var ErrMissingService = errors.New("mcp: anonymization service is required")
