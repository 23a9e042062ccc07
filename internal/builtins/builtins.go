// ABOUTME: Built-in tool catalog seeded into the registry at startup.
// ABOUTME: Maps tool names to in-process executors; most are demonstration stubs.

package builtins

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/relaykit/relay-gateway/internal/store"
)

// Executor runs a built-in tool with decoded arguments and returns the
// textual result injected back into the conversation.
type Executor func(ctx context.Context, args map[string]any) (string, error)

// Descriptor pairs a registry entry with its executor.
type Descriptor struct {
	Tool    *store.Tool
	Execute Executor
}

// Catalog returns the fixed set of built-in tool descriptors. The registry
// seeds the Tool entries once at startup; executors are resolved by name
// at turn setup.
func Catalog() []*Descriptor {
	return []*Descriptor{
		{
			Tool: &store.Tool{
				Name:           "web_search",
				Description:    "Search the web for current information",
				DefaultContext: "You are searching the web to find current information. Provide accurate, up-to-date results based on the search query.",
				Enabled:        true,
				Source:         store.SourceBuiltin,
				Schema:         json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"The search query string"}},"required":["query"]}`),
			},
			Execute: webSearch,
		},
		{
			Tool: &store.Tool{
				Name:           "calculator",
				Description:    "Perform mathematical calculations",
				DefaultContext: "You are performing mathematical calculations. Calculate the expression accurately and show your work.",
				Enabled:        true,
				Source:         store.SourceBuiltin,
				Schema:         json.RawMessage(`{"type":"object","properties":{"expression":{"type":"string","description":"A mathematical expression to evaluate"}},"required":["expression"]}`),
			},
			Execute: calculator,
		},
		{
			Tool: &store.Tool{
				Name:           "code_executor",
				Description:    "Execute code safely",
				DefaultContext: "You are executing code. Ensure the code is safe and provide the output of the execution.",
				Enabled:        true,
				Source:         store.SourceBuiltin,
				Schema:         json.RawMessage(`{"type":"object","properties":{"code":{"type":"string","description":"Code to execute"}},"required":["code"]}`),
			},
			Execute: codeExecutor,
		},
		{
			Tool: &store.Tool{
				Name:           "file_analyzer",
				Description:    "Analyze and summarize file contents",
				DefaultContext: "You are analyzing a file. Provide a comprehensive summary and key insights from the content.",
				Enabled:        true,
				Source:         store.SourceBuiltin,
				Schema:         json.RawMessage(`{"type":"object","properties":{"filename":{"type":"string","description":"The name of the file to analyze"}},"required":["filename"]}`),
			},
			Execute: fileAnalyzer,
		},
	}
}

// DefaultTools returns the registry entries of the catalog, for seeding.
func DefaultTools() []*store.Tool {
	catalog := Catalog()
	tools := make([]*store.Tool, len(catalog))
	for i, d := range catalog {
		tools[i] = d.Tool
	}
	return tools
}

// Lookup returns the executor for a built-in tool name, or false if the
// name is not part of the catalog.
func Lookup(name string) (Executor, bool) {
	for _, d := range Catalog() {
		if d.Tool.Name == name {
			return d.Execute, true
		}
	}
	return nil, false
}

func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing required argument %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string", key)
	}
	return s, nil
}

// webSearch is a demonstration stub; a deployment would back it with a
// real search API.
func webSearch(ctx context.Context, args map[string]any) (string, error) {
	query, err := stringArg(args, "query")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Search results for '%s': This is a demonstration. In a real implementation, this would return actual search results from a search engine API.", query), nil
}

func calculator(ctx context.Context, args map[string]any) (string, error) {
	expr, err := stringArg(args, "expression")
	if err != nil {
		return "", err
	}
	result, err := evalExpression(expr)
	if err != nil {
		return fmt.Sprintf("Error calculating expression: %v", err), nil
	}
	return fmt.Sprintf("The result of %s is %s", expr, formatNumber(result)), nil
}

// codeExecutor is intentionally inert: running model-supplied code requires
// a sandbox this gateway does not provide.
func codeExecutor(ctx context.Context, args map[string]any) (string, error) {
	code, err := stringArg(args, "code")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Code execution (demonstration mode):\n\nCode:\n%s\n\nNote: For security reasons, code execution is disabled in this demo. In a production environment, this would run in a sandboxed container.", code), nil
}

func fileAnalyzer(ctx context.Context, args map[string]any) (string, error) {
	filename, err := stringArg(args, "filename")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("File analysis for '%s': This is a demonstration. In a real implementation, this would read and analyze the actual file content.", filename), nil
}
