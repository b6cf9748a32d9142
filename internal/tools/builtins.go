// Package tools declares the builtin tool set registered at startup:
// echo, fetch_title, web_navigate, web_task and screenshot_page.
package tools

import (
	"context"
	"strings"

	"github.com/websterhq/webster/internal/browser"
	"github.com/websterhq/webster/internal/errdefs"
	"github.com/websterhq/webster/internal/observability"
	"github.com/websterhq/webster/internal/registry"
	"github.com/websterhq/webster/internal/webactions"
)

// Pool is the slice of the browser pool the builtins lease pages from.
// *browser.Pool satisfies it.
type Pool interface {
	WithPage(ctx context.Context, fn func(browser.Page) error) error
}

// Builtins holds the shared infrastructure the builtin handlers close
// over.
type Builtins struct {
	pool   Pool
	interp *webactions.Interpreter
	logger *observability.Logger
}

// NewBuiltins wires the builtin tool set. The interpreter may share its
// gateway and artifact store with the rest of the process.
func NewBuiltins(pool Pool, interp *webactions.Interpreter, logger *observability.Logger) *Builtins {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Builtins{pool: pool, interp: interp, logger: logger}
}

type echoParams struct {
	Text string `json:"text"`
}

type fetchTitleParams struct {
	URL string `json:"url"`
}

type navigateParams struct {
	URL     string `json:"url"`
	WaitFor string `json:"waitFor,omitempty"`
	Extract string `json:"extract,omitempty"`
}

type screenshotParams struct {
	URL string `json:"url"`
}

// Register declares every builtin on reg. Call before reg.Build.
func (b *Builtins) Register(reg *registry.Registry) error {
	entries := []struct {
		def     registry.Definition
		handler registry.Handler
	}{
		{
			def: registry.Definition{
				Name:        "echo",
				Description: "Returns the provided text unchanged. Useful as a connectivity check.",
				Params:      echoParams{},
			},
			handler: b.echo,
		},
		{
			def: registry.Definition{
				Name:        "fetch_title",
				Description: "Opens a page and returns its title.",
				Params:      fetchTitleParams{},
			},
			handler: b.fetchTitle,
		},
		{
			def: registry.Definition{
				Name:        "web_navigate",
				Description: "Opens a page, optionally waits for a selector and extracts its text.",
				Params:      navigateParams{},
			},
			handler: b.webNavigate,
		},
		{
			def: registry.Definition{
				Name:        "web_task",
				Description: "Runs a multi-step browser task from plain-language or scripted instructions.",
				RiskClass:   registry.RiskMedium,
				Async:       true,
			},
			handler: b.webTask,
		},
		{
			def: registry.Definition{
				Name:        "screenshot_page",
				Description: "Opens a page and returns a screenshot of it.",
				Params:      screenshotParams{},
				Async:       true,
			},
			handler: b.screenshotPage,
		},
	}

	for i := 0; i < len(entries); i++ {
		if err := reg.Register(entries[i].def, entries[i].handler); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builtins) echo(ctx context.Context, args map[string]any) (*registry.Result, error) {
	text, _ := args["text"].(string)
	return &registry.Result{Text: text}, nil
}

// urlArg extracts and checks the url argument shared by the page tools.
func urlArg(args map[string]any) (string, error) {
	url, _ := args["url"].(string)
	url = strings.TrimSpace(url)
	if url == "" {
		return "", errdefs.New(errdefs.KindArgumentInvalid, "url is required")
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return "", errdefs.Newf(errdefs.KindArgumentInvalid, "url must start with http or https, got %q", url)
	}
	return url, nil
}
