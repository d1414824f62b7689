package tutorial

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/MegaGrindStone/mcp-bridge"
	"github.com/qri-io/jsonschema"
)

const (
	poetSystemPrompt       = "You are a talented poet who writes concise, evocative verses."
	summarizerSystemPrompt = "You are an expert summarizer. Create a concise summary."

	poemTemperature  = 0.7
	poemMaxTokens    = 300
	summaryMaxTokens = 512
)

const getAlertsSchemaText = `{
  "type": "object",
  "properties": {
    "state": {
      "type": "string",
      "description": "Two-letter US state code (e.g. CA, NY)",
      "minLength": 2,
      "maxLength": 2
    }
  },
  "required": ["state"]
}`

const getForecastSchemaText = `{
  "type": "object",
  "properties": {
    "latitude": { "type": "number", "description": "Latitude of the location" },
    "longitude": { "type": "number", "description": "Longitude of the location" }
  },
  "required": ["latitude", "longitude"]
}`

const generatePoemSchemaText = `{
  "type": "object",
  "properties": {
    "topic": { "type": "string", "description": "What the poem is about" }
  },
  "required": ["topic"]
}`

const summarizeDocumentSchemaText = `{
  "type": "object",
  "properties": {
    "document_uri": { "type": "string", "description": "URI of the resource to summarize" }
  },
  "required": ["document_uri"]
}`

var (
	getAlertsSchema         = jsonschema.Must(getAlertsSchemaText)
	getForecastSchema       = jsonschema.Must(getForecastSchemaText)
	generatePoemSchema      = jsonschema.Must(generatePoemSchemaText)
	summarizeDocumentSchema = jsonschema.Must(summarizeDocumentSchemaText)
)

var toolList = []mcp.Tool{
	{
		Name:        "get_alerts",
		Description: "Get weather alerts for a US state.",
		InputSchema: json.RawMessage(getAlertsSchemaText),
	},
	{
		Name:        "get_forecast",
		Description: "Get weather forecast for a location.",
		InputSchema: json.RawMessage(getForecastSchemaText),
	},
	{
		Name:        "generate_poem",
		Description: "Generate a short poem about the given topic.",
		InputSchema: json.RawMessage(generatePoemSchemaText),
	},
	{
		Name:        "summarize_document",
		Description: "Summarize a document using client-side LLM capabilities.",
		InputSchema: json.RawMessage(summarizeDocumentSchemaText),
	},
}

// GetAlertsArgs is the arguments for the get_alerts tool.
type GetAlertsArgs struct {
	State string `json:"state"`
}

// GetForecastArgs is the arguments for the get_forecast tool.
type GetForecastArgs struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// GeneratePoemArgs is the arguments for the generate_poem tool.
type GeneratePoemArgs struct {
	Topic string `json:"topic"`
}

// SummarizeDocumentArgs is the arguments for the summarize_document tool.
type SummarizeDocumentArgs struct {
	DocumentURI string `json:"document_uri"`
}

// ListTools implements mcp.ToolServer interface.
func (s *Server) ListTools(
	ctx context.Context,
	_ mcp.ListToolsParams,
	_ mcp.ProgressReporter,
	_ mcp.RequestClientFunc,
) (mcp.ListToolsResult, error) {
	s.log(ctx, mcp.LogLevelDebug, "ListTools")

	return mcp.ListToolsResult{
		Tools: toolList,
	}, nil
}

// CallTool implements mcp.ToolServer interface.
func (s *Server) CallTool(
	ctx context.Context,
	params mcp.CallToolParams,
	progress mcp.ProgressReporter,
	requestClient mcp.RequestClientFunc,
) (mcp.CallToolResult, error) {
	s.log(ctx, mcp.LogLevelDebug, fmt.Sprintf("CallTool: %s", params.Name))

	switch params.Name {
	case "get_alerts":
		return s.callGetAlerts(ctx, params)
	case "get_forecast":
		return s.callGetForecast(ctx, params, progress)
	case "generate_poem":
		return s.callGeneratePoem(ctx, params, requestClient)
	case "summarize_document":
		return s.callSummarizeDocument(ctx, params, requestClient)
	default:
		return mcp.CallToolResult{}, fmt.Errorf("tool not found: %s", params.Name)
	}
}

func (s *Server) callGetAlerts(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
	var args GetAlertsArgs
	if err := decodeArgs(ctx, getAlertsSchema, params.Arguments, &args); err != nil {
		return mcp.CallToolResult{}, err
	}

	u := fmt.Sprintf("%s/alerts/active/area/%s", s.nwsBaseURL, url.PathEscape(strings.ToUpper(args.State)))
	var data alertsResponse
	if !s.fetchNWS(ctx, u, &data) || data.Features == nil {
		return textResult("Unable to fetch alerts or no alerts found."), nil
	}
	if len(data.Features) == 0 {
		return textResult("No active alerts for this state."), nil
	}

	alerts := make([]string, 0, len(data.Features))
	for _, f := range data.Features {
		alerts = append(alerts, formatAlert(f))
	}
	return textResult(strings.Join(alerts, "\n---\n")), nil
}

func (s *Server) callGetForecast(
	ctx context.Context,
	params mcp.CallToolParams,
	progress mcp.ProgressReporter,
) (mcp.CallToolResult, error) {
	var args GetForecastArgs
	if err := decodeArgs(ctx, getForecastSchema, params.Arguments, &args); err != nil {
		return mcp.CallToolResult{}, err
	}

	lat := strconv.FormatFloat(args.Latitude, 'f', -1, 64)
	lon := strconv.FormatFloat(args.Longitude, 'f', -1, 64)
	s.log(ctx, mcp.LogLevelInfo, fmt.Sprintf("Info Message: Processing coordinates: %s, %s", lat, lon))

	var points pointsResponse
	if !s.fetchNWS(ctx, fmt.Sprintf("%s/points/%s,%s", s.nwsBaseURL, lat, lon), &points) {
		return textResult("Unable to fetch forecast data for this location."), nil
	}

	var forecast forecastResponse
	if points.Properties.Forecast == "" || !s.fetchNWS(ctx, points.Properties.Forecast, &forecast) {
		return textResult("Unable to fetch detailed forecast."), nil
	}

	progress(mcp.ProgressParams{Progress: 50, Total: 100})
	text := formatForecast(forecast.Properties.Periods)
	progress(mcp.ProgressParams{Progress: 100, Total: 100})

	return textResult(text), nil
}

func (s *Server) callGeneratePoem(
	ctx context.Context,
	params mcp.CallToolParams,
	requestClient mcp.RequestClientFunc,
) (mcp.CallToolResult, error) {
	var args GeneratePoemArgs
	if err := decodeArgs(ctx, generatePoemSchema, params.Arguments, &args); err != nil {
		return mcp.CallToolResult{}, err
	}

	reqID, _ := mcp.RequestID(ctx)
	s.log(ctx, mcp.LogLevelInfo, fmt.Sprintf("[%s] Starting processing for %s", reqID, args.Topic))

	temperature := poemTemperature
	res, err := mcp.RequestSampling(ctx, requestClient, mcp.SamplingParams{
		Messages:     []mcp.SamplingMessage{userText(fmt.Sprintf("Write a short poem about %s", args.Topic))},
		SystemPrompt: poetSystemPrompt,
		Temperature:  &temperature,
		MaxTokens:    poemMaxTokens,
	})
	if err != nil {
		return mcp.CallToolResult{}, err
	}

	return textResult(res.Content.Text), nil
}

func (s *Server) callSummarizeDocument(
	ctx context.Context,
	params mcp.CallToolParams,
	requestClient mcp.RequestClientFunc,
) (mcp.CallToolResult, error) {
	var args SummarizeDocumentArgs
	if err := decodeArgs(ctx, summarizeDocumentSchema, params.Arguments, &args); err != nil {
		return mcp.CallToolResult{}, err
	}

	contents, err := s.readResource(ctx, args.DocumentURI, func(mcp.ProgressParams) {})
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to read document: %w", err)
	}
	if len(contents) == 0 || contents[0].Text == "" {
		return mcp.CallToolResult{}, fmt.Errorf("document %s has no text content", args.DocumentURI)
	}

	res, err := mcp.RequestSampling(ctx, requestClient, mcp.SamplingParams{
		Messages: []mcp.SamplingMessage{
			userText(fmt.Sprintf("Summarize the following document:\n\n%s", contents[0].Text)),
		},
		SystemPrompt: summarizerSystemPrompt,
		MaxTokens:    summaryMaxTokens,
	})
	if err != nil {
		return mcp.CallToolResult{}, err
	}

	return textResult(res.Content.Text), nil
}

// decodeArgs validates raw against schema and decodes it into v.
func decodeArgs(ctx context.Context, schema *jsonschema.Schema, raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}

	errs, err := schema.ValidateBytes(ctx, raw)
	if err != nil {
		return fmt.Errorf("failed to validate params: %w", err)
	}
	if len(errs) > 0 {
		var errStr []string
		for _, e := range errs {
			errStr = append(errStr, fmt.Sprintf("%s: %s", e.PropertyPath, e.Message))
		}
		return fmt.Errorf("params validation failed: %s", strings.Join(errStr, ", "))
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode params: %w", err)
	}
	return nil
}

func textResult(text string) mcp.CallToolResult {
	return mcp.CallToolResult{
		Content: []mcp.Content{
			{
				Type: mcp.ContentTypeText,
				Text: text,
			},
		},
	}
}

func userText(text string) mcp.SamplingMessage {
	return mcp.SamplingMessage{
		Role:    mcp.RoleUser,
		Content: mcp.SamplingContent{Type: mcp.ContentTypeText, Text: text},
	}
}
