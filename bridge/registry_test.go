package bridge_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/MegaGrindStone/mcp-bridge"
	"github.com/MegaGrindStone/mcp-bridge/bridge"
)

func TestRegistry_Discover(t *testing.T) {
	type testCase struct {
		name          string
		provider      *mockProvider
		wantTools     []string
		wantResources int
		wantTemplates int
		wantPrompts   int
		wantSkipped   int
		wantErr       error
	}

	testCases := []testCase{
		{
			name: "full catalog across pages",
			provider: &mockProvider{
				caps: fullCaps(),
				toolPages: [][]mcp.Tool{
					{{Name: "get_alerts"}, {Name: "get_forecast"}},
					{{Name: "generate_poem"}},
				},
				resources: []mcp.Resource{{URI: "greeting://welcome", Name: "Welcome"}},
				templates: []mcp.ResourceTemplate{{URITemplate: "animal://{animal_name}", Name: "Animal"}},
				prompts:   []mcp.Prompt{{Name: "debug_session_start"}},
			},
			wantTools:     []string{"get_alerts", "get_forecast", "generate_poem"},
			wantResources: 1,
			wantTemplates: 1,
			wantPrompts:   1,
		},
		{
			name: "only advertised capabilities are queried",
			provider: &mockProvider{
				caps:      mcp.ServerCapabilities{Tools: &mcp.ToolsCapability{}},
				toolPages: [][]mcp.Tool{{{Name: "echo"}}},
				resources: []mcp.Resource{{URI: "greeting://welcome"}},
				prompts:   []mcp.Prompt{{Name: "p"}},
			},
			wantTools: []string{"echo"},
		},
		{
			name: "malformed entries are skipped",
			provider: &mockProvider{
				caps:      fullCaps(),
				toolPages: [][]mcp.Tool{{{Name: "echo"}, {Name: ""}, {Name: "echo"}}},
				resources: []mcp.Resource{{Name: "no uri"}, {URI: "mcp://overview"}},
				templates: []mcp.ResourceTemplate{{Name: "no template"}},
				prompts:   []mcp.Prompt{{Description: "nameless"}},
			},
			wantTools:     []string{"echo"},
			wantResources: 1,
			wantSkipped:   5,
		},
		{
			name: "malformed prompt listing is skipped",
			provider: &mockProvider{
				caps:       fullCaps(),
				toolPages:  [][]mcp.Tool{{{Name: "echo"}}},
				promptsErr: mcp.JSONRPCError{Code: -32601, Message: "method not found"},
			},
			wantTools:   []string{"echo"},
			wantSkipped: 1,
		},
		{
			name: "tool listing error response",
			provider: &mockProvider{
				caps:     fullCaps(),
				toolsErr: mcp.JSONRPCError{Code: -32603, Message: "internal error"},
			},
			wantErr: bridge.ErrProtocol,
		},
		{
			name: "unreachable on tool listing",
			provider: &mockProvider{
				caps:     fullCaps(),
				toolsErr: fmt.Errorf("failed to send request: %w", errConnectionLost),
			},
			wantErr: bridge.ErrUnreachableProvider,
		},
		{
			name: "unreachable on resource listing",
			provider: &mockProvider{
				caps:         fullCaps(),
				resourcesErr: mcp.ErrSessionClosed,
			},
			wantErr: bridge.ErrUnreachableProvider,
		},
		{
			name: "repeated cursor",
			provider: &mockProvider{
				caps:         mcp.ServerCapabilities{Tools: &mcp.ToolsCapability{}},
				toolPages:    [][]mcp.Tool{{{Name: "a"}}, {{Name: "b"}}},
				repeatCursor: true,
			},
			wantErr: bridge.ErrProtocol,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			catalog, err := bridge.NewRegistry(tc.provider).Discover(context.Background())
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected error %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("failed to discover: %v", err)
			}

			var names []string
			for _, tool := range catalog.Tools {
				names = append(names, tool.Name)
			}
			if fmt.Sprint(names) != fmt.Sprint(tc.wantTools) {
				t.Errorf("expected tools %v, got %v", tc.wantTools, names)
			}
			if len(catalog.Resources) != tc.wantResources {
				t.Errorf("expected %d resources, got %d", tc.wantResources, len(catalog.Resources))
			}
			if len(catalog.ResourceTemplates) != tc.wantTemplates {
				t.Errorf("expected %d templates, got %d", tc.wantTemplates, len(catalog.ResourceTemplates))
			}
			if len(catalog.Prompts) != tc.wantPrompts {
				t.Errorf("expected %d prompts, got %d", tc.wantPrompts, len(catalog.Prompts))
			}
			if len(catalog.Skipped) != tc.wantSkipped {
				t.Errorf("expected %d skipped, got %+v", tc.wantSkipped, catalog.Skipped)
			}
		})
	}
}

func TestRegistry_DiscoverIdempotent(t *testing.T) {
	provider := weatherProvider()
	provider.toolPages = append(provider.toolPages, []mcp.Tool{{
		Name:        "generate_poem",
		InputSchema: json.RawMessage(`[{"name":"topic","type":"string","required":true},{"name":"lines","type":"integer"}]`),
	}})
	registry := bridge.NewRegistry(provider)

	translate := func() ([]byte, bridge.Catalog) {
		catalog, err := registry.Discover(context.Background())
		if err != nil {
			t.Fatalf("failed to discover: %v", err)
		}
		b, err := json.Marshal(bridge.TranslateAll(catalog.Tools))
		if err != nil {
			t.Fatalf("failed to marshal schemas: %v", err)
		}
		return b, catalog
	}

	first, firstCatalog := translate()
	second, secondCatalog := translate()

	if string(first) != string(second) {
		t.Errorf("expected identical translations\nfirst:  %s\nsecond: %s", first, second)
	}
	if !reflect.DeepEqual(firstCatalog, secondCatalog) {
		t.Errorf("expected identical catalogs, got %+v and %+v", firstCatalog, secondCatalog)
	}
	if provider.ToolListCalls() != 4 {
		t.Errorf("expected every discovery to list tools again, got %d list calls", provider.ToolListCalls())
	}
}

func TestRegistry_PageLimit(t *testing.T) {
	provider := &mockProvider{
		caps:      mcp.ServerCapabilities{Tools: &mcp.ToolsCapability{}},
		toolPages: [][]mcp.Tool{{{Name: "a"}}, {{Name: "b"}}, {{Name: "c"}}},
	}

	_, err := bridge.NewRegistry(provider, bridge.WithRegistryMaxPages(2)).Discover(context.Background())
	if !errors.Is(err, bridge.ErrProtocol) {
		t.Fatalf("expected protocol error, got %v", err)
	}
	if provider.ToolListCalls() != 2 {
		t.Errorf("expected 2 list calls, got %d", provider.ToolListCalls())
	}
}

func TestRegistry_Cancelled(t *testing.T) {
	provider := &mockProvider{caps: fullCaps(), toolPages: [][]mcp.Tool{{{Name: "a"}}}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := bridge.NewRegistry(provider).Discover(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if errors.Is(err, bridge.ErrUnreachableProvider) {
		t.Errorf("cancellation must not be reported as unreachable: %v", err)
	}
}
