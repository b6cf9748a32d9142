package webactions

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/websterhq/webster/internal/artifacts"
	"github.com/websterhq/webster/internal/browser"
	"github.com/websterhq/webster/internal/errdefs"
	"github.com/websterhq/webster/internal/llm"
	"github.com/websterhq/webster/internal/observability"
)

// Gateway is the slice of the language-model gateway the interpreter uses
// for splitting free-form instructions and repairing failed steps.
type Gateway interface {
	Query(ctx context.Context, prompt, purpose string) (string, llm.Usage, error)
}

// Hooks observes and steers a single run. Any field may be nil. When
// OnError is nil the interpreter repairs failed steps by asking the model.
type Hooks struct {
	Before  func(ctx context.Context, step Step)
	After   func(ctx context.Context, step Step)
	OnError func(ctx context.Context, step Step, stepErr error, attempt int) (Step, bool)
}

// Config tunes the interpreter.
type Config struct {
	// MaxRepairs caps correction attempts per step. Default 3.
	MaxRepairs int
	// SelectorTimeout bounds WAIT-for-selector steps. Default 10s.
	SelectorTimeout time.Duration
	// SettleDelay is the pause before the last screenshot fallback.
	// Default 5s.
	SettleDelay time.Duration
	// CaptureEveryStep takes a screenshot after each successful step.
	CaptureEveryStep bool
}

func (c Config) withDefaults() Config {
	if c.MaxRepairs <= 0 {
		c.MaxRepairs = 3
	}
	if c.SelectorTimeout <= 0 {
		c.SelectorTimeout = 10 * time.Second
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = 5 * time.Second
	}
	return c
}

// Screenshot is one stored capture, ordered by step.
type Screenshot struct {
	StepNumber int
	Ref        string
}

// RunResult is everything a run produced.
type RunResult struct {
	// Text concatenates EXTRACT_TEXT captures in step order.
	Text string
	// LastImage holds the bytes of the most recent successful screenshot.
	LastImage []byte
	// Screenshots lists stored artifact references in capture order.
	Screenshots []Screenshot
	// StepsRun counts completed steps.
	StepsRun int
}

// Interpreter executes scripts against a leased page.
type Interpreter struct {
	gateway Gateway
	store   artifacts.Store
	config  Config
	logger  *observability.Logger
	metrics *observability.Metrics
}

// New builds an interpreter. The artifact store receives every captured
// screenshot; the gateway may be nil, which disables free-form input and
// model repair.
func New(gateway Gateway, store artifacts.Store, config Config, logger *observability.Logger, metrics *observability.Metrics) *Interpreter {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Interpreter{
		gateway: gateway,
		store:   store,
		config:  config.withDefaults(),
		logger:  logger,
		metrics: metrics,
	}
}

// Run executes instructions against page. Scripted input runs as-is;
// anything else is first split into primitives by the model. Empty
// instructions succeed with an empty result. Cancellation is honored at
// step boundaries and inside waits.
func (i *Interpreter) Run(ctx context.Context, page browser.Page, instructions string, hooks Hooks) (*RunResult, error) {
	result := &RunResult{}
	if strings.TrimSpace(instructions) == "" {
		return result, nil
	}

	steps, err := i.resolveSteps(ctx, instructions)
	if err != nil {
		return result, err
	}

	for idx, step := range steps {
		if err := ctx.Err(); err != nil {
			return result, errdefs.Wrap(errdefs.KindCancelled, err, "run cancelled")
		}
		if step.Action == ActionClose {
			break
		}
		stepNumber := idx + 1
		if hooks.Before != nil {
			hooks.Before(ctx, step)
		}

		if err := i.runStep(ctx, page, step, stepNumber, result, hooks); err != nil {
			return result, err
		}
		result.StepsRun++

		if i.config.CaptureEveryStep && step.Action != ActionScreenshot {
			i.captureAndStore(ctx, page, stepNumber, result)
		}
		if hooks.After != nil {
			hooks.After(ctx, step)
		}
	}
	return result, nil
}

// RunText executes instructions and returns the extracted text.
func (i *Interpreter) RunText(ctx context.Context, page browser.Page, instructions string, hooks Hooks) (string, error) {
	result, err := i.Run(ctx, page, instructions, hooks)
	if err != nil {
		return "", err
	}
	return result.Text, nil
}

// RunImage executes instructions and returns the last screenshot as
// (mimeType, base64 data).
func (i *Interpreter) RunImage(ctx context.Context, page browser.Page, instructions string, hooks Hooks) (string, string, error) {
	result, err := i.Run(ctx, page, instructions, hooks)
	if err != nil {
		return "", "", err
	}
	if len(result.LastImage) == 0 {
		img, capErr := i.captureScreenshot(ctx, page)
		if capErr != nil {
			return "", "", errdefs.Wrap(errdefs.KindStepFailed, capErr, "no screenshot captured")
		}
		result.LastImage = img
	}
	return "image/png", base64.StdEncoding.EncodeToString(result.LastImage), nil
}

// resolveSteps parses scripted input directly and falls back to the model
// for free-form text.
func (i *Interpreter) resolveSteps(ctx context.Context, instructions string) ([]Step, error) {
	steps, parseErr := ParseScript(instructions)
	if parseErr == nil {
		return steps, nil
	}
	if i.gateway == nil {
		return nil, parseErr
	}

	response, _, err := i.gateway.Query(ctx, splitPrompt(instructions), llm.PurposeParseSteps)
	if err != nil {
		return nil, err
	}
	steps, err = ParseScript(response)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindLMUnparseable, err, "model produced an unparseable step list")
	}
	if len(steps) == 0 {
		return nil, errdefs.New(errdefs.KindLMUnparseable, "model produced no steps")
	}
	return steps, nil
}

// runStep executes one step, applying up to MaxRepairs corrections.
func (i *Interpreter) runStep(ctx context.Context, page browser.Page, step Step, stepNumber int, result *RunResult, hooks Hooks) error {
	current := step
	var stepErr error
	for attempt := 0; ; attempt++ {
		stepErr = i.applyStep(ctx, page, current, stepNumber, result)
		if stepErr == nil {
			if i.metrics != nil {
				i.metrics.RecordActionStep(string(current.Action), "ok")
			}
			return nil
		}
		if ctx.Err() != nil {
			return errdefs.Wrap(errdefs.KindCancelled, ctx.Err(), "run cancelled")
		}
		if attempt >= i.config.MaxRepairs {
			break
		}

		corrected, ok := i.correct(ctx, page, current, stepErr, attempt, hooks)
		if !ok {
			break
		}
		i.logger.Info(ctx, "step corrected",
			"step", current.Raw,
			"corrected", corrected.Raw,
			"attempt", attempt+1)
		if i.metrics != nil {
			i.metrics.RecordActionStep(string(current.Action), "repaired")
		}
		current = corrected
	}

	if i.metrics != nil {
		i.metrics.RecordActionStep(string(step.Action), "failed")
	}
	return errdefs.Wrapf(errdefs.KindStepFailed, stepErr, "step %d (%s) failed", stepNumber, step.Action)
}

// applyStep runs one primitive against the page.
func (i *Interpreter) applyStep(ctx context.Context, page browser.Page, step Step, stepNumber int, result *RunResult) error {
	switch step.Action {
	case ActionNavigate:
		if err := page.Goto(step.Value); err != nil {
			return err
		}
		i.waitIdle(ctx, page)
		return nil
	case ActionClick:
		if err := page.Click(step.Selector); err != nil {
			return err
		}
		i.waitIdle(ctx, page)
		return nil
	case ActionType:
		return page.Fill(step.Selector, step.Value)
	case ActionWait:
		if step.Value != "" {
			seconds, _ := strconv.Atoi(step.Value)
			return sleepCtx(ctx, time.Duration(seconds)*time.Second)
		}
		return page.WaitForSelector(step.Selector, i.config.SelectorTimeout)
	case ActionExtractText:
		selector := step.Selector
		if selector == "" {
			selector = "body"
		}
		text, err := page.TextContent(selector)
		if err != nil {
			return err
		}
		if result.Text != "" {
			result.Text += "\n"
		}
		result.Text += strings.TrimSpace(text)
		return nil
	case ActionScreenshot:
		img, err := i.captureScreenshot(ctx, page)
		if err != nil {
			return err
		}
		result.LastImage = img
		i.storeImage(ctx, img, stepNumber, result)
		return nil
	case ActionScrollTo:
		return page.ScrollTo(step.Selector)
	default:
		return errdefs.Newf(errdefs.KindArgumentInvalid, "unknown action %q", step.Action)
	}
}

// correct asks for a replacement step, via the caller's hook when set,
// otherwise via the model.
func (i *Interpreter) correct(ctx context.Context, page browser.Page, step Step, stepErr error, attempt int, hooks Hooks) (Step, bool) {
	if hooks.OnError != nil {
		return hooks.OnError(ctx, step, stepErr, attempt)
	}
	if i.gateway == nil {
		return Step{}, false
	}

	response, _, err := i.gateway.Query(ctx, repairPrompt(step, stepErr, page.URL()), llm.PurposeCorrectStep)
	if err != nil {
		i.logger.Warn(ctx, "step repair query failed", "step", step.Raw, "error", err)
		return Step{}, false
	}
	line := firstLine(response)
	if line == "" || strings.EqualFold(line, "SKIP") {
		return Step{}, false
	}
	corrected, err := ParseStep(line)
	if err != nil {
		i.logger.Warn(ctx, "step repair produced an unparseable step", "line", line, "error", err)
		return Step{}, false
	}
	return corrected, true
}

// waitIdle waits for the network-idle load state. Pages that never settle
// log and move on.
func (i *Interpreter) waitIdle(ctx context.Context, page browser.Page) {
	if err := page.WaitForIdle(0); err != nil {
		i.logger.Debug(ctx, "network idle wait lapsed", "url", page.URL(), "error", err)
	}
}

// captureAndStore takes the after-step screenshot. Failures are recorded
// and the run continues.
func (i *Interpreter) captureAndStore(ctx context.Context, page browser.Page, stepNumber int, result *RunResult) {
	img, err := i.captureScreenshot(ctx, page)
	if err != nil {
		i.logger.Warn(ctx, "screenshot capture failed", "step", stepNumber, "error", err)
		if i.metrics != nil {
			i.metrics.RecordActionStep(string(ActionScreenshot), "capture_failed")
		}
		return
	}
	result.LastImage = img
	i.storeImage(ctx, img, stepNumber, result)
}

// captureScreenshot tries full page, then viewport, then viewport again
// after a settle delay.
func (i *Interpreter) captureScreenshot(ctx context.Context, page browser.Page) ([]byte, error) {
	img, err := page.Screenshot(true)
	if err == nil {
		return img, nil
	}
	img, err = page.Screenshot(false)
	if err == nil {
		return img, nil
	}
	if err := sleepCtx(ctx, i.config.SettleDelay); err != nil {
		return nil, err
	}
	return page.Screenshot(false)
}

// storeImage writes one capture to the artifact store. Store failures do
// not fail the run.
func (i *Interpreter) storeImage(ctx context.Context, img []byte, stepNumber int, result *RunResult) {
	if i.store == nil {
		return
	}
	name := screenshotName(time.Now())
	ref, err := i.store.Put(ctx, name, bytes.NewReader(img), artifacts.PutOptions{MimeType: "image/png"})
	if err != nil {
		i.logger.Warn(ctx, "screenshot store failed", "name", name, "error", err)
		return
	}
	result.Screenshots = append(result.Screenshots, Screenshot{
		StepNumber: stepNumber,
		Ref:        ref,
	})
}

// screenshotName builds the timestamped capture filename.
func screenshotName(t time.Time) string {
	return fmt.Sprintf("playwright_%s_%03d.png", t.Format("20060102_150405"), t.Nanosecond()/1e6)
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "```") {
			return line
		}
	}
	return ""
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
