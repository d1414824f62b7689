package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"

	"github.com/MegaGrindStone/mcp-bridge"
	"github.com/MegaGrindStone/mcp-bridge/bridge"
)

var (
	headingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	replyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	failureStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

var demoTurns = []string{
	"What's the weather in Kirkland?",
	"Generate a short poem about AI",
	"Summarize document of the resource mcp overview",
}

// runDemo walks through the provider's surface once: it prints the catalog, calls a tool directly,
// runs a few chat turns that need tools and sampling, and answers a prompt from the provider.
// Failed steps are reported and the demo moves on; only cancellation stops it early.
func runDemo(
	ctx context.Context, sess *bridge.Session, model bridge.ChatModel, opts bridge.SamplingOptions, out io.Writer,
) error {
	printCatalog(out, sess.Loop().Catalog())

	fmt.Fprintln(out, headingStyle.Render("Direct tool call: get_forecast"))
	if err := demoForecast(ctx, sess.Client(), out); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		fmt.Fprintln(out, failureStyle.Render("Error: "+err.Error()))
	}

	for _, input := range demoTurns {
		fmt.Fprintln(out, headingStyle.Render("You: "+input))
		reply, err := sess.Loop().Turn(ctx, input)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			fmt.Fprintln(out, failureStyle.Render("Error: "+err.Error()))
			continue
		}
		for _, failure := range reply.Failures {
			fmt.Fprintln(out, failureStyle.Render("Tool failure: "+failure.Error()))
		}
		fmt.Fprintln(out, replyStyle.Render("Assistant: "+reply.Text))
	}

	fmt.Fprintln(out, headingStyle.Render("Prompt: debug_session_start"))
	if err := demoPrompt(ctx, sess, model, opts, out); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		fmt.Fprintln(out, failureStyle.Render("Error: "+err.Error()))
	}

	return nil
}

func printCatalog(out io.Writer, catalog bridge.Catalog) {
	fmt.Fprintln(out, headingStyle.Render("Available tools:"))
	for _, t := range catalog.Tools {
		fmt.Fprintf(out, "- %s: %s\n", t.Name, t.Description)
	}
	fmt.Fprintln(out, headingStyle.Render("Available resources:"))
	for _, r := range catalog.Resources {
		fmt.Fprintf(out, "- %s (%s)\n", r.URI, r.Name)
	}
	fmt.Fprintln(out, headingStyle.Render("Available resource templates:"))
	for _, t := range catalog.ResourceTemplates {
		fmt.Fprintf(out, "- %s (%s)\n", t.URITemplate, t.Name)
	}
	fmt.Fprintln(out, headingStyle.Render("Available prompts:"))
	for _, p := range catalog.Prompts {
		fmt.Fprintf(out, "- %s: %s\n", p.Name, p.Description)
	}
	for _, s := range catalog.Skipped {
		fmt.Fprintln(out, failureStyle.Render(fmt.Sprintf("Skipped %s: %s", s.Kind, s.Reason)))
	}
}

func demoForecast(ctx context.Context, client *mcp.Client, out io.Writer) error {
	args, _ := json.Marshal(map[string]float64{"latitude": 47.6101, "longitude": -122.2015})
	res, err := client.CallTool(ctx, mcp.CallToolParams{
		Name:      "get_forecast",
		Arguments: args,
		Meta:      mcp.ParamsMeta{ProgressToken: mcp.MustString(uuid.New().String())},
	})
	if err != nil {
		return fmt.Errorf("failed to call get_forecast: %w", err)
	}

	var texts []string
	for _, c := range res.Content {
		if c.Type == mcp.ContentTypeText {
			texts = append(texts, c.Text)
		}
	}
	if res.IsError {
		return fmt.Errorf("get_forecast failed: %s", strings.Join(texts, " "))
	}
	fmt.Fprintln(out, strings.Join(texts, "\n"))
	return nil
}

func demoPrompt(
	ctx context.Context, sess *bridge.Session, model bridge.ChatModel, opts bridge.SamplingOptions, out io.Writer,
) error {
	msgs, err := sess.PromptMessages(ctx, "debug_session_start", map[string]string{
		"error_message": "panic: runtime error: index out of range [5] with length 3",
	})
	if err != nil {
		return err
	}

	for _, m := range msgs {
		fmt.Fprintf(out, "%s: %s\n", m.Role, m.Content)
	}

	conversation := append([]bridge.Message{bridge.SystemMessage(bridge.SystemInstruction(sess.Loop().Catalog()))}, msgs...)
	reply, err := model.Complete(ctx, bridge.ChatRequest{
		Messages: conversation,
		Options:  opts,
	})
	if err != nil {
		return fmt.Errorf("failed to answer prompt: %w", err)
	}
	fmt.Fprintln(out, replyStyle.Render("Assistant: "+reply.Text))
	return nil
}
