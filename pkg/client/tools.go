package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/poe-platform/gopoe/pkg/poe"
)

// ToolExecutable binds a tool definition's function name to Go code. The
// arguments map is the JSON-decoded arguments string of the tool call.
type ToolExecutable struct {
	Name string
	Fn   func(ctx context.Context, args map[string]any) (any, error)
}

// StreamRequestWithTools invokes a bot in OpenAI function-calling mode.
//
// Without executables, streamed tool-call deltas are yielded raw (as
// PartialResponse.ToolCalls) and the caller manages the tool loop. With
// executables, the deltas are aggregated per index, each selected tool runs
// once, and a second request carrying the calls and their results streams
// the bot's final answer.
func (c *Client) StreamRequestWithTools(ctx context.Context, botName string, req poe.QueryRequest, tools []poe.ToolDefinition, executables []ToolExecutable) *Stream {
	return newStream(ctx, func(ctx context.Context, emit func(poe.Response) bool) error {
		return c.streamWithTools(ctx, botName, queryPayload{QueryRequest: req, Tools: tools}, executables, emit)
	})
}

func (c *Client) streamWithTools(ctx context.Context, botName string, payload queryPayload, executables []ToolExecutable, emit func(poe.Response) bool) error {
	aggregated := make(map[int]*poe.ToolCallDefinition)

	err := c.streamBase(ctx, botName, payload, func(r poe.Response) bool {
		msg, ok := r.(poe.PartialResponse)
		if !ok {
			return true
		}
		delta, chunkOK := toolCallChunk(msg.Data)
		if !chunkOK {
			return true
		}
		if len(delta.toolCalls) == 0 {
			// Without tool calls, the delta carries plain content.
			if delta.content != "" {
				return emit(poe.PartialResponse{Text: delta.content, Index: msg.Index})
			}
			return true
		}
		if executables == nil {
			// Relay the deltas and let the caller run the tool loop. The
			// sub-stream index on the chunk passes through unchanged.
			return emit(poe.PartialResponse{ToolCalls: delta.toolCalls, Index: msg.Index})
		}
		aggregateToolCalls(aggregated, delta.toolCalls)
		return true
	})
	if err != nil {
		return err
	}
	if executables == nil {
		return nil
	}

	toolCalls := sortedToolCalls(aggregated)
	toolResults, err := c.executeToolCalls(ctx, payload.Tools, executables, toolCalls)
	if err != nil {
		return err
	}
	if len(toolCalls) == 0 || len(toolResults) == 0 {
		return nil
	}

	// Second pass: give the bot the calls and their results and stream the
	// final answer.
	payload.ToolCalls = toolCalls
	payload.ToolResults = toolResults
	return c.streamBase(ctx, botName, payload, emit)
}

// toolCallDelta is the usable part of one OpenAI streaming chunk.
type toolCallDelta struct {
	content   string
	toolCalls []poe.ToolCallDefinitionDelta
}

// toolCallChunk extracts the first choice's delta from a relayed chunk.
// Chunks without choices (usage frames) and chunks with a finish reason are
// skipped.
func toolCallChunk(data map[string]any) (toolCallDelta, bool) {
	var zero toolCallDelta
	choices, ok := data["choices"].([]any)
	if !ok || len(choices) == 0 {
		return zero, false
	}
	choice, ok := choices[0].(map[string]any)
	if !ok {
		return zero, false
	}
	if reason, present := choice["finish_reason"]; present && reason != nil {
		return zero, false
	}
	delta, ok := choice["delta"].(map[string]any)
	if !ok {
		return zero, false
	}

	var out toolCallDelta
	out.content, _ = delta["content"].(string)
	if rawCalls, present := delta["tool_calls"]; present {
		encoded, err := json.Marshal(rawCalls)
		if err != nil {
			return zero, false
		}
		if err := json.Unmarshal(encoded, &out.toolCalls); err != nil {
			return zero, false
		}
	}
	return out, true
}

// aggregateToolCalls folds streamed deltas into complete tool calls, keyed
// by index. The first delta of an index must carry id, type, and the
// function name; otherwise that index cannot be aggregated and is dropped.
// Later deltas only extend the arguments.
func aggregateToolCalls(aggregated map[int]*poe.ToolCallDefinition, deltas []poe.ToolCallDefinitionDelta) {
	for _, d := range deltas {
		call, seen := aggregated[d.Index]
		if !seen {
			if d.ID == "" || d.Type == "" || d.Function.Name == "" {
				continue
			}
			aggregated[d.Index] = &poe.ToolCallDefinition{
				ID:   d.ID,
				Type: d.Type,
				Function: poe.FunctionCallBody{
					Name:      d.Function.Name,
					Arguments: d.Function.Arguments,
				},
			}
			continue
		}
		call.Function.Arguments += d.Function.Arguments
	}
}

func sortedToolCalls(aggregated map[int]*poe.ToolCallDefinition) []poe.ToolCallDefinition {
	indexes := make([]int, 0, len(aggregated))
	for i := range aggregated {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	calls := make([]poe.ToolCallDefinition, 0, len(indexes))
	for _, i := range indexes {
		calls = append(calls, *aggregated[i])
	}
	return calls
}

// executeToolCalls runs each aggregated call against its executable and
// packages the results for the second request. Arguments are validated
// against the tool's declared JSON schema before the executable runs.
func (c *Client) executeToolCalls(ctx context.Context, tools []poe.ToolDefinition, executables []ToolExecutable, calls []poe.ToolCallDefinition) ([]poe.ToolResultDefinition, error) {
	byName := make(map[string]ToolExecutable, len(executables))
	for _, e := range executables {
		byName[e.Name] = e
	}
	schemas := make(map[string]poe.ParametersDefinition, len(tools))
	for _, t := range tools {
		schemas[t.Function.Name] = t.Function.Parameters
	}

	results := make([]poe.ToolResultDefinition, 0, len(calls))
	for _, call := range calls {
		name := call.Function.Name
		exec, ok := byName[name]
		if !ok {
			return nil, &poe.BotErrorNoRetry{BotError: poe.BotError{
				Message: fmt.Sprintf("no executable for tool %q", name),
			}}
		}

		var args map[string]any
		if call.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
				return nil, &poe.BotErrorNoRetry{BotError: poe.BotError{
					Message: fmt.Sprintf("invalid arguments for tool %q", name),
					Cause:   err,
				}}
			}
		}
		if params, ok := schemas[name]; ok {
			if err := validateToolArgs(params, args); err != nil {
				return nil, &poe.BotErrorNoRetry{BotError: poe.BotError{
					Message: fmt.Sprintf("arguments for tool %q failed validation", name),
					Cause:   err,
				}}
			}
		}

		content, err := exec.Fn(ctx, args)
		if err != nil {
			return nil, fmt.Errorf("tool %q: %w", name, err)
		}
		encoded, err := json.Marshal(content)
		if err != nil {
			return nil, fmt.Errorf("tool %q: encode result: %w", name, err)
		}
		results = append(results, poe.ToolResultDefinition{
			Role:       poe.RoleTool,
			Name:       name,
			ToolCallID: call.ID,
			Content:    string(encoded),
		})
	}
	return results, nil
}

// validateToolArgs checks args against the tool's parameters schema. An
// uncompilable schema fails open so bad schemas don't break the loop.
func validateToolArgs(params poe.ParametersDefinition, args map[string]any) error {
	schemaBytes, err := json.Marshal(params)
	if err != nil {
		return nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaBytes))
	if err != nil {
		return nil
	}
	compiler := jsonschema.NewCompiler()
	const url = "mem://tool/parameters"
	if err := compiler.AddResource(url, doc); err != nil {
		return nil
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil
	}

	if args == nil {
		args = map[string]any{}
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	return schema.Validate(inst)
}
