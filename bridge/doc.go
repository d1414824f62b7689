// Package bridge connects a chat model to a Model Context Protocol capability provider.
//
// A Session owns the provider connection. Its Registry discovers the provider's tools, resources,
// resource templates and prompts; Translate turns tool descriptors into function-calling schemas;
// and a Loop drives the conversation, executing the tool calls the model asks for and folding their
// results back into the conversation. In the reverse direction, the SamplingBridge answers the
// provider's sampling requests with the local model, and the Relay surfaces the provider's log,
// progress and message notifications to the operator.
package bridge
