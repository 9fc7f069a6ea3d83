package poe

// ToolDefinition describes one callable function to the model, following the
// OpenAI function-calling schema.
type ToolDefinition struct {
	Type     string             `json:"type"`
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition is the function part of a tool definition.
type FunctionDefinition struct {
	Name        string               `json:"name"`
	Description string               `json:"description"`
	Parameters  ParametersDefinition `json:"parameters"`
}

// ParametersDefinition is a JSON-Schema object describing the arguments.
type ParametersDefinition struct {
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
	Required   []string       `json:"required,omitempty"`
}

// ToolCallDefinition is a fully aggregated tool call selected by the model.
type ToolCallDefinition struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function FunctionCallBody `json:"function"`
}

// FunctionCallBody names the function and carries its JSON-encoded arguments.
type FunctionCallBody struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCallDefinitionDelta is one streamed fragment of a tool call. The first
// fragment of a given index carries ID, Type, and Function.Name; later
// fragments only extend Function.Arguments.
type ToolCallDefinitionDelta struct {
	Index    int              `json:"index"`
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type,omitempty"`
	Function FunctionCallBody `json:"function"`
}

// ToolResultDefinition is the result of executing a tool call, sent back to
// the model on the second pass of the function-calling loop.
type ToolResultDefinition struct {
	Role       Role   `json:"role"`
	Name       string `json:"name"`
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
}
