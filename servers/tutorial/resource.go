package tutorial

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/MegaGrindStone/mcp-bridge"
	"github.com/gobwas/glob"
)

type staticResource struct {
	resource mcp.Resource
	read     func(ctx context.Context, progress mcp.ProgressReporter) (mcp.ResourceContents, error)
}

type resourceTemplate struct {
	template mcp.ResourceTemplate
	prefix   string
	pattern  glob.Glob
	read     func(ctx context.Context, uri, param string) (mcp.ResourceContents, error)
}

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".webp": true,
}

func (s *Server) staticResources() []staticResource {
	return []staticResource{
		{
			resource: mcp.Resource{
				URI:         "greeting://welcome",
				Name:        "greeting",
				Description: "Static greeting message",
				MimeType:    "text/plain",
			},
			read: func(context.Context, mcp.ProgressReporter) (mcp.ResourceContents, error) {
				return textContents("greeting://welcome", greetingText), nil
			},
		},
		{
			resource: mcp.Resource{
				URI:         "mcp://overview",
				Name:        "mcp_overview",
				Description: "Overview of the Model Context Protocol",
				MimeType:    "text/plain",
			},
			read: func(context.Context, mcp.ProgressReporter) (mcp.ResourceContents, error) {
				return textContents("mcp://overview", mcpOverviewText), nil
			},
		},
		{
			resource: mcp.Resource{
				URI:         "system://status",
				Name:        "system_status",
				Description: "Report the current system status.",
				MimeType:    "application/json",
			},
			read: s.readSystemStatus,
		},
		{
			resource: mcp.Resource{
				URI:         "animals://list",
				Name:        "animals",
				Description: "List of all available animals",
				MimeType:    "application/json",
			},
			read: func(context.Context, mcp.ProgressReporter) (mcp.ResourceContents, error) {
				names := make(map[string]string, len(animals))
				for key, a := range animals {
					names[key] = a.Name
				}
				return jsonContents("animals://list", names)
			},
		},
		{
			resource: mcp.Resource{
				URI:         "image://list",
				Name:        "images",
				Description: "List of all available animals images",
				MimeType:    "application/json",
			},
			read: func(context.Context, mcp.ProgressReporter) (mcp.ResourceContents, error) {
				images, err := s.listImages()
				if err != nil {
					return mcp.ResourceContents{}, err
				}
				return jsonContents("image://list", images)
			},
		},
	}
}

func (s *Server) resourceTemplates() []resourceTemplate {
	return []resourceTemplate{
		mustTemplate(mcp.ResourceTemplate{
			URITemplate: "animal://{animal_name}",
			Name:        "animal",
			Description: "Dynamic animal information resource",
			MimeType:    "application/json",
		}, func(_ context.Context, uri, name string) (mcp.ResourceContents, error) {
			a, ok := animals[name]
			if !ok {
				return mcp.ResourceContents{}, fmt.Errorf("unknown animal: %s", name)
			}
			return jsonContents(uri, a)
		}),
		mustTemplate(mcp.ResourceTemplate{
			URITemplate: "image://{image_name}",
			Name:        "image",
			Description: "Dynamic image file reader resource, returns the base64 encoded image data. " +
				"For example, use image://dog.png to get dog.png.",
		}, s.readImage),
	}
}

// mustTemplate compiles the glob the template's URIs match: everything before the first variable is
// literal, and each variable matches one path segment.
func mustTemplate(
	tmpl mcp.ResourceTemplate,
	read func(ctx context.Context, uri, param string) (mcp.ResourceContents, error),
) resourceTemplate {
	prefix, _, _ := strings.Cut(tmpl.URITemplate, "{")

	var pattern strings.Builder
	inVar := false
	for _, r := range tmpl.URITemplate {
		switch {
		case r == '{':
			inVar = true
			pattern.WriteByte('*')
		case r == '}':
			inVar = false
		case !inVar:
			pattern.WriteRune(r)
		}
	}

	return resourceTemplate{
		template: tmpl,
		prefix:   prefix,
		pattern:  glob.MustCompile(glob.QuoteMeta(prefix)+strings.TrimPrefix(pattern.String(), prefix), '/'),
		read:     read,
	}
}

// ListResources implements mcp.ResourceServer interface.
func (s *Server) ListResources(
	ctx context.Context,
	_ mcp.ListResourcesParams,
	_ mcp.ProgressReporter,
	_ mcp.RequestClientFunc,
) (mcp.ListResourcesResult, error) {
	s.log(ctx, mcp.LogLevelDebug, "ListResources")

	resources := make([]mcp.Resource, len(s.resources))
	for i, r := range s.resources {
		resources[i] = r.resource
	}
	return mcp.ListResourcesResult{
		Resources: resources,
	}, nil
}

// ListResourceTemplates implements mcp.ResourceServer interface.
func (s *Server) ListResourceTemplates(
	ctx context.Context,
	_ mcp.ListResourceTemplatesParams,
	_ mcp.ProgressReporter,
	_ mcp.RequestClientFunc,
) (mcp.ListResourceTemplatesResult, error) {
	s.log(ctx, mcp.LogLevelDebug, "ListResourceTemplates")

	templates := make([]mcp.ResourceTemplate, len(s.templates))
	for i, t := range s.templates {
		templates[i] = t.template
	}
	return mcp.ListResourceTemplatesResult{
		Templates: templates,
	}, nil
}

// ReadResource implements mcp.ResourceServer interface.
func (s *Server) ReadResource(
	ctx context.Context,
	params mcp.ReadResourceParams,
	progress mcp.ProgressReporter,
	_ mcp.RequestClientFunc,
) (mcp.ReadResourceResult, error) {
	s.log(ctx, mcp.LogLevelDebug, fmt.Sprintf("ReadResource: %s", params.URI))

	contents, err := s.readResource(ctx, params.URI, progress)
	if err != nil {
		return mcp.ReadResourceResult{}, err
	}
	return mcp.ReadResourceResult{
		Contents: contents,
	}, nil
}

func (s *Server) readResource(
	ctx context.Context,
	uri string,
	progress mcp.ProgressReporter,
) ([]mcp.ResourceContents, error) {
	for _, r := range s.resources {
		if r.resource.URI != uri {
			continue
		}
		c, err := r.read(ctx, progress)
		if err != nil {
			return nil, err
		}
		return []mcp.ResourceContents{c}, nil
	}

	for _, t := range s.templates {
		if !t.pattern.Match(uri) {
			continue
		}
		c, err := t.read(ctx, uri, strings.TrimPrefix(uri, t.prefix))
		if err != nil {
			return nil, err
		}
		return []mcp.ResourceContents{c}, nil
	}

	return nil, fmt.Errorf("resource not found: %s", uri)
}

func (s *Server) readSystemStatus(ctx context.Context, progress mcp.ProgressReporter) (mcp.ResourceContents, error) {
	s.log(ctx, mcp.LogLevelInfo, "Checking system status...")
	progress(mcp.ProgressParams{Progress: 1, Total: 1})

	status := struct {
		Status string  `json:"status"`
		Load   float64 `json:"load"`
		Client string  `json:"client"`
	}{
		Status: "OK",
		Load:   0.5,
		Client: mcp.SessionID(ctx),
	}
	return jsonContents("system://status", status)
}

// listImages maps each image's name without extension to its file name.
func (s *Server) listImages() (map[string]string, error) {
	images := make(map[string]string)

	entries, err := os.ReadDir(s.imageDir)
	if errors.Is(err, fs.ErrNotExist) {
		return images, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}

	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || !imageExtensions[ext] {
			continue
		}
		images[strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))] = e.Name()
	}
	return images, nil
}

func (s *Server) readImage(_ context.Context, uri, name string) (mcp.ResourceContents, error) {
	base, err := filepath.Abs(s.imageDir)
	if err != nil {
		return mcp.ResourceContents{}, fmt.Errorf("failed to resolve image directory: %w", err)
	}

	full := filepath.Join(base, name)
	rel, err := filepath.Rel(base, full)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return mcp.ResourceContents{}, fmt.Errorf("access denied: %s", name)
	}

	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return mcp.ResourceContents{}, fmt.Errorf("image not found: %s", name)
	}
	if err != nil {
		return mcp.ResourceContents{}, fmt.Errorf("failed to read image %s: %w", name, err)
	}

	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	return mcp.ResourceContents{
		URI:      uri,
		MimeType: "image/" + ext,
		Blob:     base64.StdEncoding.EncodeToString(data),
	}, nil
}

func textContents(uri, text string) mcp.ResourceContents {
	return mcp.ResourceContents{
		URI:      uri,
		MimeType: "text/plain",
		Text:     text,
	}
}

func jsonContents(uri string, v any) (mcp.ResourceContents, error) {
	bs, err := json.Marshal(v)
	if err != nil {
		return mcp.ResourceContents{}, fmt.Errorf("failed to marshal %s: %w", uri, err)
	}
	return mcp.ResourceContents{
		URI:      uri,
		MimeType: "application/json",
		Text:     string(bs),
	}, nil
}
