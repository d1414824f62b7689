package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MegaGrindStone/mcp-bridge"
)

// Provider is the capability provider connection the bridge consumes. *mcp.Client satisfies it.
type Provider interface {
	ServerCapabilities() mcp.ServerCapabilities
	ListTools(ctx context.Context, params mcp.ListToolsParams) (mcp.ListToolsResult, error)
	ListResources(ctx context.Context, params mcp.ListResourcesParams) (mcp.ListResourcesResult, error)
	ListResourceTemplates(ctx context.Context, params mcp.ListResourceTemplatesParams) (
		mcp.ListResourceTemplatesResult, error)
	ListPrompts(ctx context.Context, params mcp.ListPromptsParams) (mcp.ListPromptResult, error)
	CallTool(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error)
	ReadResource(ctx context.Context, params mcp.ReadResourceParams) (mcp.ReadResourceResult, error)
	GetPrompt(ctx context.Context, params mcp.GetPromptParams) (mcp.GetPromptResult, error)
}

// ToolDescriptor is a tool as declared by the provider. InputSchema is kept as received, in either
// the structured JSON Schema form or the flat parameter list form.
type ToolDescriptor struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Catalog is the result of one discovery cycle.
type Catalog struct {
	Tools             []ToolDescriptor
	Resources         []mcp.Resource
	ResourceTemplates []mcp.ResourceTemplate
	Prompts           []mcp.Prompt

	// Skipped lists the listings and entries left out because they were malformed.
	Skipped []SkippedCapability
}

// SkippedCapability records a capability left out of a Catalog. Name is empty when a whole listing
// was skipped.
type SkippedCapability struct {
	Kind   string
	Name   string
	Reason string
}

// Registry discovers the capabilities of a provider. It keeps no state between calls, so every
// Discover reflects the provider as it is now.
type Registry struct {
	provider Provider
	maxPages int
	logger   *slog.Logger
}

// RegistryOption represents the options for the Registry.
type RegistryOption func(*Registry)

const (
	kindTools             = "tools"
	kindResources         = "resources"
	kindResourceTemplates = "resource templates"
	kindPrompts           = "prompts"

	defaultMaxPages = 100
)

// NewRegistry creates a Registry that discovers the capabilities of provider.
func NewRegistry(provider Provider, options ...RegistryOption) *Registry {
	r := &Registry{
		provider: provider,
		maxPages: defaultMaxPages,
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// WithRegistryMaxPages bounds the number of pages followed for a single listing.
func WithRegistryMaxPages(pages int) RegistryOption {
	return func(r *Registry) {
		if pages > 0 {
			r.maxPages = pages
		}
	}
}

// WithRegistryLogger sets the logger for the Registry.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger.With(
			slog.String("package", "bridge"),
			slog.String("component", "registry"),
		)
	}
}

// Discover lists the provider's tools, resources, resource templates and prompts, following
// pagination to the end. Only capabilities the provider advertised are queried.
//
// Discover fails with ErrUnreachableProvider when the provider cannot be reached, and with
// ErrProtocol when the tool listing is malformed. Malformed resource, template and prompt listings,
// as well as malformed individual entries, are skipped and recorded in Catalog.Skipped.
func (r *Registry) Discover(ctx context.Context) (Catalog, error) {
	var catalog Catalog
	caps := r.provider.ServerCapabilities()

	if caps.Tools != nil {
		tools, err := paginate(ctx, r.maxPages, func(cursor string) ([]mcp.Tool, string, error) {
			res, err := r.provider.ListTools(ctx, mcp.ListToolsParams{Cursor: cursor})
			return res.Tools, res.NextCursor, err
		})
		if err != nil {
			return Catalog{}, providerError("failed to list tools", err)
		}
		catalog.Tools = r.acceptTools(tools, &catalog)
	}

	if caps.Resources != nil {
		resources, err := paginate(ctx, r.maxPages, func(cursor string) ([]mcp.Resource, string, error) {
			res, err := r.provider.ListResources(ctx, mcp.ListResourcesParams{Cursor: cursor})
			return res.Resources, res.NextCursor, err
		})
		if err := r.skipListing(kindResources, err, &catalog); err != nil {
			return Catalog{}, err
		}
		for _, res := range resources {
			if res.URI == "" {
				r.skip(&catalog, kindResources, res.Name, "missing uri")
				continue
			}
			catalog.Resources = append(catalog.Resources, res)
		}

		templates, err := paginate(ctx, r.maxPages, func(cursor string) ([]mcp.ResourceTemplate, string, error) {
			res, err := r.provider.ListResourceTemplates(ctx, mcp.ListResourceTemplatesParams{Cursor: cursor})
			return res.Templates, res.NextCursor, err
		})
		if err := r.skipListing(kindResourceTemplates, err, &catalog); err != nil {
			return Catalog{}, err
		}
		for _, tmpl := range templates {
			if tmpl.URITemplate == "" {
				r.skip(&catalog, kindResourceTemplates, tmpl.Name, "missing uri template")
				continue
			}
			catalog.ResourceTemplates = append(catalog.ResourceTemplates, tmpl)
		}
	}

	if caps.Prompts != nil {
		prompts, err := paginate(ctx, r.maxPages, func(cursor string) ([]mcp.Prompt, string, error) {
			res, err := r.provider.ListPrompts(ctx, mcp.ListPromptsParams{Cursor: cursor})
			return res.Prompts, res.NextCursor, err
		})
		if err := r.skipListing(kindPrompts, err, &catalog); err != nil {
			return Catalog{}, err
		}
		for _, p := range prompts {
			if p.Name == "" {
				r.skip(&catalog, kindPrompts, "", "missing name")
				continue
			}
			catalog.Prompts = append(catalog.Prompts, p)
		}
	}

	return catalog, nil
}

func (r *Registry) acceptTools(tools []mcp.Tool, catalog *Catalog) []ToolDescriptor {
	seen := make(map[string]bool, len(tools))
	descriptors := make([]ToolDescriptor, 0, len(tools))
	for _, t := range tools {
		switch {
		case t.Name == "":
			r.skip(catalog, kindTools, "", "missing name")
			continue
		case seen[t.Name]:
			r.skip(catalog, kindTools, t.Name, "duplicate name")
			continue
		}
		seen[t.Name] = true
		descriptors = append(descriptors, ToolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return descriptors
}

// skipListing records a malformed listing and returns nil, or returns the classified error when the
// listing failed for any other reason.
func (r *Registry) skipListing(kind string, err error, catalog *Catalog) error {
	if err == nil {
		return nil
	}
	classified := providerError("failed to list "+kind, err)
	if !errors.Is(classified, ErrProtocol) {
		return classified
	}
	r.skip(catalog, kind, "", err.Error())
	return nil
}

func (r *Registry) skip(catalog *Catalog, kind, name, reason string) {
	r.logger.Warn("skipping malformed capability",
		slog.String("kind", kind),
		slog.String("name", name),
		slog.String("reason", reason))
	catalog.Skipped = append(catalog.Skipped, SkippedCapability{Kind: kind, Name: name, Reason: reason})
}

// paginate calls fetch with each cursor in turn until the provider stops returning one.
func paginate[T any](ctx context.Context, maxPages int, fetch func(cursor string) ([]T, string, error)) ([]T, error) {
	var all []T
	cursor := ""
	seen := make(map[string]bool)
	for page := 0; ; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if page == maxPages {
			return nil, fmt.Errorf("%w: more than %d pages", mcp.ErrMalformedResult, maxPages)
		}

		items, next, err := fetch(cursor)
		if err != nil {
			return nil, err
		}
		all = append(all, items...)

		if next == "" {
			return all, nil
		}
		if seen[next] {
			return nil, fmt.Errorf("%w: cursor %q repeated", mcp.ErrMalformedResult, next)
		}
		seen[next] = true
		cursor = next
	}
}
