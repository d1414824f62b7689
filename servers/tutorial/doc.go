// Package tutorial implements a small MCP capability provider used to demonstrate the bridge:
// weather tools, animal and image resources, a debugging prompt, and tools that ask the client's
// model for completions through sampling.
package tutorial
