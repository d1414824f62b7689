package bridge

import (
	"fmt"
	"strings"

	"github.com/MegaGrindStone/mcp-bridge"
)

// SystemInstruction builds the system message text for a catalog. Tools are described to the model
// through function schemas, so only resources, resource templates and prompts are listed here.
func SystemInstruction(catalog Catalog) string {
	var resources, templates, prompts []string
	for _, r := range catalog.Resources {
		resources = append(resources, fmt.Sprintf("- %s, %s, %s, %s, %d", r.URI, r.Name, r.Description, r.MimeType, r.Size))
	}
	for _, t := range catalog.ResourceTemplates {
		templates = append(templates, fmt.Sprintf("- %s, %s, %s, %s", t.URITemplate, t.Name, t.Description, t.MimeType))
	}
	for _, p := range catalog.Prompts {
		args := make([]string, 0, len(p.Arguments))
		for _, a := range p.Arguments {
			arg := a.Name
			if a.Required {
				arg += " (required)"
			}
			args = append(args, arg)
		}
		prompts = append(prompts, fmt.Sprintf("- %s, %s, [%s]", p.Name, p.Description, strings.Join(args, ", ")))
	}

	var b strings.Builder
	b.WriteString("You are a helpful assistant with access to various tools.\n")
	b.WriteString("Use the appropriate tool when a user's request requires specific information or functionality.\n")
	b.WriteString("Respond directly without using tools when a simple answer will suffice.\n")
	b.WriteString("If you need to use a tool, provide a clear explanation of what you're doing.\n")
	b.WriteString("Always include the tool's name and the arguments you're passing to it.\n")
	b.WriteString("You can use the tools to get information about the resources.\n")
	fmt.Fprintf(&b, "Available resources:\n%s\n", strings.Join(resources, "\n"))
	fmt.Fprintf(&b, "Available resources templates:\n%s\n", strings.Join(templates, "\n"))
	fmt.Fprintf(&b, "Available prompts:\n%s\n", strings.Join(prompts, "\n"))
	b.WriteString("You can use the prompts to get information about the resources.\n")
	return b.String()
}

// MessagesFromPrompt converts the messages of a prompt into conversation messages. Text and embedded
// text resources are kept; other content is left out.
func MessagesFromPrompt(prompt mcp.GetPromptResult) []Message {
	msgs := make([]Message, 0, len(prompt.Messages))
	for _, pm := range prompt.Messages {
		text := contentText([]mcp.Content{pm.Content})
		if text == "" {
			continue
		}
		role := RoleUser
		if pm.Role == mcp.RoleAssistant {
			role = RoleAssistant
		}
		msgs = append(msgs, Message{Role: role, Content: text})
	}
	return msgs
}
