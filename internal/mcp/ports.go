package mcp

import (
	"github.com/gonkalabs/gonka-anonymizer/internal/anon"
	"github.com/gonkalabs/gonka-anonymizer/internal/audit"
)

// Ports aggregates the dependencies of the MCP server.
type Ports struct {
	// Service runs the operations: the local engine or a remote client.
	Service anon.Service

	// Audit records tool calls. Optional.
	Audit audit.Recorder
}

// Validate ensures all required ports are set.
func (p *Ports) Validate() error {
	if p.Service == nil {
		return ErrMissingService
	}
	return nil
}
