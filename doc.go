// Package mcp implements the JSON-RPC 2.0 layer of the Model Context Protocol (MCP): the message
// types, a Client and a Server, and the StdIO and Server-Sent Events transports they run on. It
// follows revision 2024-11-05 of https://spec.modelcontextprotocol.io/specification/.
//
// The Client is what a chat application uses to reach a capability provider. Besides the usual
// list and call requests, it answers the provider's sampling requests through a SamplingHandler
// and surfaces log and progress notifications through LogReceiver and ProgressListener.
package mcp
