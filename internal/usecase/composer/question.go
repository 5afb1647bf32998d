// Package composer turns a human answer to a question tool call into an
// outbound message.
package composer

import (
	"encoding/json"
	"fmt"

	"agentsync/internal/domain"
)

// ToolName is the tool whose input is a set of questions for the user.
const ToolName = "AskUserQuestion"

// Option is one answer offered for a question.
type Option struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// Question is a single question with its ordered options.
type Question struct {
	Question    string   `json:"question"`
	Header      string   `json:"header,omitempty"`
	MultiSelect bool     `json:"multiSelect,omitempty"`
	Options     []Option `json:"options"`
}

// Input is the AskUserQuestion tool input.
type Input struct {
	Questions []Question `json:"questions"`
}

// ParseInput validates input against the registered schema, when one exists,
// and decodes it. Zero questions, a question without options, or an option
// without a label is malformed.
func ParseInput(input json.RawMessage, registry domain.ToolSchemaRegistry) (Input, error) {
	const op = "composer.ParseInput"
	if registry != nil {
		if v, ok := registry.Lookup(ToolName); ok && !v.Parse(input).Success {
			return Input{}, domain.NewSubSystemError(subsystem, op, domain.ErrMalformedEvent, "input does not match schema")
		}
	}

	var in Input
	if err := json.Unmarshal(input, &in); err != nil {
		return Input{}, domain.NewSubSystemError(subsystem, op, domain.ErrMalformedEvent, err.Error())
	}
	if len(in.Questions) == 0 {
		return Input{}, domain.NewSubSystemError(subsystem, op, domain.ErrMalformedEvent, "no questions")
	}
	for i, q := range in.Questions {
		if len(q.Options) == 0 {
			return Input{}, domain.NewSubSystemError(subsystem, op, domain.ErrMalformedEvent,
				fmt.Sprintf("question %d has no options", i))
		}
		for j, o := range q.Options {
			if o.Label == "" {
				return Input{}, domain.NewSubSystemError(subsystem, op, domain.ErrMalformedEvent,
					fmt.Sprintf("question %d option %d has no label", i, j))
			}
		}
	}
	return in, nil
}
