package history

import (
	"encoding/json"
	"fmt"

	"agentsync/internal/domain"
)

// Parser turns raw inbound events into messages.
type Parser struct {
	registry domain.ToolSchemaRegistry
}

// NewParser creates a Parser. A nil registry accepts every tool input.
func NewParser(registry domain.ToolSchemaRegistry) *Parser {
	return &Parser{registry: registry}
}

// Parse decodes raw into exactly one message variant. Inbound messages must
// carry a server id, and every tool call input (children included) must pass
// its registered schema. Tools without a schema pass.
func (p *Parser) Parse(raw json.RawMessage) (domain.Message, error) {
	msg, err := domain.DecodeMessage(raw)
	if err != nil {
		return nil, err
	}
	if msg.Header().ID == "" {
		return nil, domain.NewDomainError("Parser.Parse", domain.ErrMalformedEvent,
			fmt.Sprintf("inbound %s message without id", msg.Kind()))
	}

	var verr error
	domain.Walk(msg, func(m domain.Message) {
		if verr != nil {
			return
		}
		if tc, ok := domain.ToolCallOf(m); ok {
			verr = p.ValidateTool(tc)
		}
	})
	if verr != nil {
		return nil, verr
	}
	return msg, nil
}

// ValidateTool checks tc.Input against the schema registered for tc.Name.
func (p *Parser) ValidateTool(tc domain.ToolCall) error {
	if p.registry == nil {
		return nil
	}
	v, ok := p.registry.Lookup(tc.Name)
	if !ok {
		return nil
	}
	if res := v.Parse(tc.Input); !res.Success {
		return domain.NewDomainError("Parser.ValidateTool", domain.ErrMalformedEvent,
			fmt.Sprintf("input of %s does not match its schema", tc.Name))
	}
	return nil
}
