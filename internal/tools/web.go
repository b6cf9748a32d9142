package tools

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/websterhq/webster/internal/browser"
	"github.com/websterhq/webster/internal/errdefs"
	"github.com/websterhq/webster/internal/registry"
	"github.com/websterhq/webster/internal/webactions"
)

func (b *Builtins) fetchTitle(ctx context.Context, args map[string]any) (*registry.Result, error) {
	url, err := urlArg(args)
	if err != nil {
		return nil, err
	}

	var title string
	err = b.pool.WithPage(ctx, func(page browser.Page) error {
		if err := page.Goto(url); err != nil {
			return errdefs.Wrapf(errdefs.KindStepFailed, err, "open %s", url)
		}
		registry.ReportProgress(ctx, 60, "page loaded")
		got, err := page.Title()
		if err != nil {
			return errdefs.Wrap(errdefs.KindStepFailed, err, "read page title")
		}
		title = got
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &registry.Result{Text: title}, nil
}

func (b *Builtins) webNavigate(ctx context.Context, args map[string]any) (*registry.Result, error) {
	url, err := urlArg(args)
	if err != nil {
		return nil, err
	}

	var script strings.Builder
	fmt.Fprintf(&script, "NAVIGATE %s\n", url)
	if waitFor, _ := args["waitFor"].(string); strings.TrimSpace(waitFor) != "" {
		fmt.Fprintf(&script, "WAIT %s\n", strings.TrimSpace(waitFor))
	}
	if extract, _ := args["extract"].(string); strings.TrimSpace(extract) != "" {
		fmt.Fprintf(&script, "EXTRACT_TEXT %s\n", strings.TrimSpace(extract))
	}
	return b.runInstructions(ctx, script.String())
}

func (b *Builtins) webTask(ctx context.Context, args map[string]any) (*registry.Result, error) {
	instructions, _ := args["instructions"].(string)
	if strings.TrimSpace(instructions) == "" {
		return &registry.Result{}, nil
	}
	return b.runInstructions(ctx, instructions)
}

func (b *Builtins) screenshotPage(ctx context.Context, args map[string]any) (*registry.Result, error) {
	url, err := urlArg(args)
	if err != nil {
		return nil, err
	}

	out := &registry.Result{}
	err = b.pool.WithPage(ctx, func(page browser.Page) error {
		run, runErr := b.interp.Run(ctx, page, fmt.Sprintf("NAVIGATE %s\nSCREENSHOT\n", url), b.progressHooks())
		if run != nil {
			out.Artifacts = artifactRefs(run.Screenshots)
			if len(run.LastImage) > 0 {
				out.MimeType = "image/png"
				out.ImageB64 = base64.StdEncoding.EncodeToString(run.LastImage)
			}
		}
		return runErr
	})
	if err != nil {
		return nil, err
	}
	if out.ImageB64 == "" {
		return nil, errdefs.New(errdefs.KindStepFailed, "no screenshot captured")
	}
	out.Text = "screenshot of " + url
	return out, nil
}

// runInstructions leases a page and executes instructions through the
// interpreter. Empty extracted text falls back to a title summary of
// where the run ended up.
func (b *Builtins) runInstructions(ctx context.Context, instructions string) (*registry.Result, error) {
	out := &registry.Result{}
	err := b.pool.WithPage(ctx, func(page browser.Page) error {
		run, runErr := b.interp.Run(ctx, page, instructions, b.progressHooks())
		if run != nil {
			out.Text = run.Text
			out.Artifacts = artifactRefs(run.Screenshots)
		}
		if runErr != nil {
			return runErr
		}
		if out.Text == "" {
			if title, titleErr := page.Title(); titleErr == nil && title != "" {
				out.Text = fmt.Sprintf("%s (%s)", title, page.URL())
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// progressHooks reports one checkpoint per completed step. The step total
// is unknown for free-form input, so percent climbs by tens and parks at
// 90 until the run returns.
func (b *Builtins) progressHooks() webactions.Hooks {
	done := 0
	return webactions.Hooks{
		After: func(ctx context.Context, step webactions.Step) {
			done++
			percent := done * 10
			if percent > 90 {
				percent = 90
			}
			registry.ReportProgress(ctx, percent, stepLabel(step))
		},
	}
}

func stepLabel(step webactions.Step) string {
	verb := strings.ToLower(string(step.Action))
	switch {
	case step.Selector != "":
		return verb + " " + step.Selector
	case step.Value != "":
		return verb + " " + step.Value
	}
	return verb
}

func artifactRefs(shots []webactions.Screenshot) []string {
	if len(shots) == 0 {
		return nil
	}
	refs := make([]string, 0, len(shots))
	for i := 0; i < len(shots); i++ {
		refs = append(refs, shots[i].Ref)
	}
	return refs
}
