package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/samber/lo"

	"github.com/gonkalabs/gonka-anonymizer/internal/anon"
	"github.com/gonkalabs/gonka-anonymizer/internal/audit"
)

// AnonymizeInput is the input schema for the anonymize tool.
type AnonymizeInput struct {
	Text string `json:"text" jsonschema:"the text to anonymize"`
}

// MappingEntry pairs a placeholder with the value it replaced.
type MappingEntry struct {
	Placeholder string `json:"placeholder"`
	Original    string `json:"original"`
}

// UnmarshalJSON applies the mapping entry rules of the HTTP API: both fields
// must be present and non-null, otherwise the error wraps
// anon.ErrMalformedMapping.
func (e *MappingEntry) UnmarshalJSON(b []byte) error {
	var entry anon.Entry
	if err := json.Unmarshal(b, &entry); err != nil {
		return err
	}
	*e = MappingEntry(entry)
	return nil
}

// AnonymizeOutput is the output schema for the anonymize tool.
type AnonymizeOutput struct {
	AnonymizedText string         `json:"anonymized_text"`
	Mapping        []MappingEntry `json:"mapping"`
}

// DeanonymizeInput is the input schema for the deanonymize tool.
type DeanonymizeInput struct {
	AnonymizedText string         `json:"anonymized_text" jsonschema:"text containing placeholders"`
	Mapping        []MappingEntry `json:"mapping" jsonschema:"the mapping returned by the anonymize call that produced the text"`
}

// DeanonymizeOutput is the output schema for the deanonymize tool.
type DeanonymizeOutput struct {
	Text string `json:"text"`
}

// registerTools registers all tool handlers with the MCP server.
func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "anonymize",
		Description: "Replace sensitive values in text with placeholders and return the mapping needed to restore them",
	}, s.handleAnonymize)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "deanonymize",
		Description: "Restore the original values of every placeholder in text using a mapping from anonymize",
	}, s.handleDeanonymize)
}

// handleAnonymize handles the anonymize tool invocation.
func (s *Server) handleAnonymize(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input AnonymizeInput,
) (*mcp.CallToolResult, AnonymizeOutput, error) {
	start := time.Now()
	doc, err := s.ports.Service.Anonymize(ctx, input.Text)
	labels, entities := audit.CountEntities(doc.Mapping)
	s.record(ctx, audit.Operation{
		Op:          audit.OpAnonymize,
		InputBytes:  len(input.Text),
		OutputBytes: len(doc.AnonymizedText),
		Entities:    entities,
		Labels:      labels,
	}, start, err)
	if err != nil {
		return nil, AnonymizeOutput{}, toolError(err)
	}

	return nil, AnonymizeOutput{
		AnonymizedText: doc.AnonymizedText,
		Mapping:        toEntries(doc.Mapping),
	}, nil
}

// handleDeanonymize handles the deanonymize tool invocation.
func (s *Server) handleDeanonymize(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input DeanonymizeInput,
) (*mcp.CallToolResult, DeanonymizeOutput, error) {
	start := time.Now()
	m := fromEntries(input.Mapping)
	err := m.Validate()
	var text string
	if err == nil {
		text, err = s.ports.Service.Deanonymize(ctx, input.AnonymizedText, m)
	}
	labels, entities := audit.CountEntities(m)
	s.record(ctx, audit.Operation{
		Op:          audit.OpDeanonymize,
		InputBytes:  len(input.AnonymizedText),
		OutputBytes: len(text),
		Entities:    entities,
		Labels:      labels,
	}, start, err)
	if err != nil {
		return nil, DeanonymizeOutput{}, toolError(err)
	}
	return nil, DeanonymizeOutput{Text: text}, nil
}

func (s *Server) record(ctx context.Context, op audit.Operation, start time.Time, err error) {
	if s.ports.Audit == nil {
		return
	}
	op.Duration = time.Since(start)
	if err != nil {
		op.Kind = string(anon.KindOf(err))
		if op.Kind == "" {
			op.Kind = "internal"
		}
	}
	if recErr := s.ports.Audit.Record(context.WithoutCancel(ctx), op); recErr != nil {
		slog.Warn("audit: record failed", "op", op.Op, "err", recErr)
	}
}

// toolError prefixes err with its wire kind so the assistant can tell a
// retryable outage from a bad mapping.
func toolError(err error) error {
	if kind := anon.KindOf(err); kind != "" {
		return fmt.Errorf("%s: %w", kind, err)
	}
	return err
}

func toEntries(m anon.Mapping) []MappingEntry {
	return lo.Map(m, func(e anon.Entry, _ int) MappingEntry {
		return MappingEntry{Placeholder: e.Placeholder, Original: e.Original}
	})
}

func fromEntries(entries []MappingEntry) anon.Mapping {
	return lo.Map(entries, func(e MappingEntry, _ int) anon.Entry {
		return anon.Entry{Placeholder: e.Placeholder, Original: e.Original}
	})
}
