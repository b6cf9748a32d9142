package webactions

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/websterhq/webster/internal/artifacts"
	"github.com/websterhq/webster/internal/errdefs"
	"github.com/websterhq/webster/internal/llm"
	"github.com/websterhq/webster/internal/observability"
)

type scriptedPage struct {
	calls        []string
	url          string
	title        string
	texts        map[string]string
	failClick    map[string]error
	failShotFull int
	failShotView int
}

func newScriptedPage() *scriptedPage {
	return &scriptedPage{
		texts:     make(map[string]string),
		failClick: make(map[string]error),
	}
}

func (p *scriptedPage) Goto(url string) error {
	p.calls = append(p.calls, "goto "+url)
	p.url = url
	return nil
}

func (p *scriptedPage) Click(selector string) error {
	p.calls = append(p.calls, "click "+selector)
	if err, ok := p.failClick[selector]; ok {
		return err
	}
	return nil
}

func (p *scriptedPage) Fill(selector, text string) error {
	p.calls = append(p.calls, fmt.Sprintf("fill %s %s", selector, text))
	return nil
}

func (p *scriptedPage) WaitForSelector(selector string, d time.Duration) error {
	p.calls = append(p.calls, "wait "+selector)
	return nil
}

func (p *scriptedPage) WaitForIdle(d time.Duration) error {
	p.calls = append(p.calls, "idle")
	return nil
}

func (p *scriptedPage) TextContent(selector string) (string, error) {
	p.calls = append(p.calls, "text "+selector)
	text, ok := p.texts[selector]
	if !ok {
		return "", fmt.Errorf("no element matches %s", selector)
	}
	return text, nil
}

func (p *scriptedPage) Title() (string, error) { return p.title, nil }

func (p *scriptedPage) URL() string { return p.url }

func (p *scriptedPage) Screenshot(fullPage bool) ([]byte, error) {
	if fullPage {
		p.calls = append(p.calls, "shot full")
		if p.failShotFull > 0 {
			p.failShotFull--
			return nil, errors.New("full page capture failed")
		}
		return []byte("png-full"), nil
	}
	p.calls = append(p.calls, "shot view")
	if p.failShotView > 0 {
		p.failShotView--
		return nil, errors.New("viewport capture failed")
	}
	return []byte("png-view"), nil
}

func (p *scriptedPage) ScrollTo(selector string) error {
	p.calls = append(p.calls, "scroll "+selector)
	return nil
}

type fakeGateway struct {
	responses map[string]string
	purposes  []string
	err       error
}

func (g *fakeGateway) Query(ctx context.Context, prompt, purpose string) (string, llm.Usage, error) {
	g.purposes = append(g.purposes, purpose)
	if g.err != nil {
		return "", llm.Usage{}, g.err
	}
	return g.responses[purpose], llm.Usage{}, nil
}

func newTestInterpreter(gateway Gateway, store artifacts.Store, config Config) *Interpreter {
	config.SettleDelay = time.Millisecond
	return New(gateway, store, config, observability.NopLogger(), nil)
}

func TestParseStep(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    Step
		wantErr bool
	}{
		{"navigate", "NAVIGATE https://example.com", Step{Action: ActionNavigate, Value: "https://example.com"}, false},
		{"navigate lowercase", "navigate http://example.com", Step{Action: ActionNavigate, Value: "http://example.com"}, false},
		{"navigate bad url", "NAVIGATE example.com", Step{}, true},
		{"navigate file url", "NAVIGATE file:///etc/passwd", Step{}, true},
		{"click selector", "CLICK #submit", Step{Action: ActionClick, Selector: "#submit"}, false},
		{"click text", "CLICK text=Sign in", Step{Action: ActionClick, Selector: "text=Sign in"}, false},
		{"click empty", "CLICK", Step{}, true},
		{"type", "TYPE #email user@example.com", Step{Action: ActionType, Selector: "#email", Value: "user@example.com"}, false},
		{"type multiword", "TYPE #q hello world", Step{Action: ActionType, Selector: "#q", Value: "hello world"}, false},
		{"type missing text", "TYPE #email", Step{}, true},
		{"wait selector", "WAIT .results", Step{Action: ActionWait, Selector: ".results"}, false},
		{"wait seconds", "WAIT 3", Step{Action: ActionWait, Value: "3"}, false},
		{"wait too long", "WAIT 600", Step{}, true},
		{"extract", "EXTRACT_TEXT .price", Step{Action: ActionExtractText, Selector: ".price"}, false},
		{"extract whole page", "EXTRACT_TEXT", Step{Action: ActionExtractText}, false},
		{"screenshot", "SCREENSHOT", Step{Action: ActionScreenshot}, false},
		{"screenshot with arg", "SCREENSHOT now", Step{}, true},
		{"scroll", "SCROLL_TO #footer", Step{Action: ActionScrollTo, Selector: "#footer"}, false},
		{"close", "CLOSE", Step{Action: ActionClose}, false},
		{"numbered", "1. NAVIGATE https://example.com", Step{Action: ActionNavigate, Value: "https://example.com"}, false},
		{"bulleted", "- CLICK #ok", Step{Action: ActionClick, Selector: "#ok"}, false},
		{"open browser", "OPEN the browser", Step{}, true},
		{"prose", "go to the login page", Step{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseStep(tt.line)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseStep(%q) = %+v, want error", tt.line, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseStep(%q) error = %v", tt.line, err)
			}
			if got.Action != tt.want.Action || got.Selector != tt.want.Selector || got.Value != tt.want.Value {
				t.Errorf("ParseStep(%q) = %+v, want %+v", tt.line, got, tt.want)
			}
		})
	}
}

func TestParseScript(t *testing.T) {
	script := "\nNAVIGATE https://example.com\n\n# wait for things\nWAIT .ready\nEXTRACT_TEXT h1\nCLOSE\n"
	steps, err := ParseScript(script)
	if err != nil {
		t.Fatalf("ParseScript() error = %v", err)
	}
	if len(steps) != 4 {
		t.Fatalf("steps = %d, want 4", len(steps))
	}
	if steps[0].Action != ActionNavigate || steps[3].Action != ActionClose {
		t.Errorf("unexpected step order: %+v", steps)
	}

	if _, err := ParseScript("NAVIGATE https://example.com\nfly to the moon"); err == nil {
		t.Error("ParseScript() accepted prose")
	}
}

func TestRunEmptyInstructions(t *testing.T) {
	page := newScriptedPage()
	interp := newTestInterpreter(nil, nil, Config{})

	result, err := interp.Run(context.Background(), page, "   \n  ", Hooks{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Text != "" || result.StepsRun != 0 {
		t.Errorf("result = %+v, want empty", result)
	}
	if len(page.calls) != 0 {
		t.Errorf("page calls = %v, want none", page.calls)
	}
}

func TestRunScriptedSteps(t *testing.T) {
	page := newScriptedPage()
	page.texts["h1"] = "  Example Domain  "
	interp := newTestInterpreter(nil, nil, Config{})

	script := "NAVIGATE https://example.com\nTYPE #q webster\nCLICK #go\nEXTRACT_TEXT h1"
	result, err := interp.Run(context.Background(), page, script, Hooks{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.StepsRun != 4 {
		t.Errorf("StepsRun = %d, want 4", result.StepsRun)
	}
	if result.Text != "Example Domain" {
		t.Errorf("Text = %q, want trimmed heading", result.Text)
	}

	want := []string{"goto https://example.com", "idle", "fill #q webster", "click #go", "idle", "text h1"}
	if strings.Join(page.calls, ";") != strings.Join(want, ";") {
		t.Errorf("page calls = %v, want %v", page.calls, want)
	}
}

func TestRunStopsAtClose(t *testing.T) {
	page := newScriptedPage()
	interp := newTestInterpreter(nil, nil, Config{})

	result, err := interp.Run(context.Background(), page, "NAVIGATE https://example.com\nCLOSE\nCLICK #never", Hooks{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.StepsRun != 1 {
		t.Errorf("StepsRun = %d, want 1", result.StepsRun)
	}
	for _, call := range page.calls {
		if strings.HasPrefix(call, "click") {
			t.Errorf("step after CLOSE executed: %v", page.calls)
		}
	}
}

func TestRunFreeFormSplitsViaModel(t *testing.T) {
	page := newScriptedPage()
	page.texts["h1"] = "Example Domain"
	gateway := &fakeGateway{responses: map[string]string{
		llm.PurposeParseSteps: "NAVIGATE https://example.com\nEXTRACT_TEXT h1",
	}}
	interp := newTestInterpreter(gateway, nil, Config{})

	result, err := interp.Run(context.Background(), page, "Open example.com and read the main heading", Hooks{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Text != "Example Domain" {
		t.Errorf("Text = %q", result.Text)
	}
	if len(gateway.purposes) != 1 || gateway.purposes[0] != llm.PurposeParseSteps {
		t.Errorf("gateway purposes = %v, want one %s query", gateway.purposes, llm.PurposeParseSteps)
	}
}

func TestRunFreeFormUnparseableModelOutput(t *testing.T) {
	page := newScriptedPage()
	gateway := &fakeGateway{responses: map[string]string{
		llm.PurposeParseSteps: "First you should open the browser",
	}}
	interp := newTestInterpreter(gateway, nil, Config{})

	_, err := interp.Run(context.Background(), page, "do something on example.com", Hooks{})
	if !errdefs.HasKind(err, errdefs.KindLMUnparseable) {
		t.Fatalf("Run() error = %v, want kind %s", err, errdefs.KindLMUnparseable)
	}
}

func TestRunRepairsFailedStep(t *testing.T) {
	page := newScriptedPage()
	page.failClick["#old"] = errors.New("no element matches #old")
	gateway := &fakeGateway{responses: map[string]string{
		llm.PurposeCorrectStep: "CLICK #new",
	}}
	interp := newTestInterpreter(gateway, nil, Config{})

	result, err := interp.Run(context.Background(), page, "CLICK #old", Hooks{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.StepsRun != 1 {
		t.Errorf("StepsRun = %d, want 1", result.StepsRun)
	}
	if len(gateway.purposes) != 1 || gateway.purposes[0] != llm.PurposeCorrectStep {
		t.Errorf("gateway purposes = %v, want one %s query", gateway.purposes, llm.PurposeCorrectStep)
	}
	joined := strings.Join(page.calls, ";")
	if !strings.Contains(joined, "click #old") || !strings.Contains(joined, "click #new") {
		t.Errorf("page calls = %v, want failed then corrected click", page.calls)
	}
}

func TestRunFailsAfterMaxRepairs(t *testing.T) {
	page := newScriptedPage()
	page.failClick["#bad"] = errors.New("no element matches #bad")
	gateway := &fakeGateway{responses: map[string]string{
		llm.PurposeCorrectStep: "CLICK #bad",
	}}
	interp := newTestInterpreter(gateway, nil, Config{MaxRepairs: 2})

	_, err := interp.Run(context.Background(), page, "CLICK #bad", Hooks{})
	if !errdefs.HasKind(err, errdefs.KindStepFailed) {
		t.Fatalf("Run() error = %v, want kind %s", err, errdefs.KindStepFailed)
	}
	if len(gateway.purposes) != 2 {
		t.Errorf("repair queries = %d, want 2", len(gateway.purposes))
	}
	clicks := 0
	for _, call := range page.calls {
		if strings.HasPrefix(call, "click") {
			clicks++
		}
	}
	if clicks != 3 {
		t.Errorf("click attempts = %d, want initial plus two repairs", clicks)
	}
}

func TestRunSkipRepairAborts(t *testing.T) {
	page := newScriptedPage()
	page.failClick["#bad"] = errors.New("no element matches #bad")
	gateway := &fakeGateway{responses: map[string]string{
		llm.PurposeCorrectStep: "SKIP",
	}}
	interp := newTestInterpreter(gateway, nil, Config{})

	_, err := interp.Run(context.Background(), page, "CLICK #bad", Hooks{})
	if !errdefs.HasKind(err, errdefs.KindStepFailed) {
		t.Fatalf("Run() error = %v, want kind %s", err, errdefs.KindStepFailed)
	}
	if len(gateway.purposes) != 1 {
		t.Errorf("repair queries = %d, want 1", len(gateway.purposes))
	}
}

func TestRunOnErrorHookOverridesModel(t *testing.T) {
	page := newScriptedPage()
	page.failClick["#bad"] = errors.New("no element matches #bad")
	gateway := &fakeGateway{}

	var hookCalls int
	hooks := Hooks{
		OnError: func(ctx context.Context, step Step, stepErr error, attempt int) (Step, bool) {
			hookCalls++
			corrected, err := ParseStep("CLICK #good")
			if err != nil {
				t.Fatalf("ParseStep() error = %v", err)
			}
			return corrected, true
		},
	}
	interp := newTestInterpreter(gateway, nil, Config{})

	if _, err := interp.Run(context.Background(), page, "CLICK #bad", hooks); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if hookCalls != 1 {
		t.Errorf("OnError calls = %d, want 1", hookCalls)
	}
	if len(gateway.purposes) != 0 {
		t.Errorf("gateway queried %v despite OnError hook", gateway.purposes)
	}
}

func TestRunBeforeAfterHooks(t *testing.T) {
	page := newScriptedPage()
	var events []string
	hooks := Hooks{
		Before: func(ctx context.Context, step Step) {
			events = append(events, "before "+string(step.Action))
		},
		After: func(ctx context.Context, step Step) {
			events = append(events, "after "+string(step.Action))
		},
	}
	interp := newTestInterpreter(nil, nil, Config{})

	if _, err := interp.Run(context.Background(), page, "NAVIGATE https://example.com\nSCREENSHOT", hooks); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	want := []string{"before NAVIGATE", "after NAVIGATE", "before SCREENSHOT", "after SCREENSHOT"}
	if strings.Join(events, ";") != strings.Join(want, ";") {
		t.Errorf("hook events = %v, want %v", events, want)
	}
}

func TestRunCancelledBetweenSteps(t *testing.T) {
	page := newScriptedPage()
	ctx, cancel := context.WithCancel(context.Background())
	hooks := Hooks{
		After: func(ctx context.Context, step Step) { cancel() },
	}
	interp := newTestInterpreter(nil, nil, Config{})

	_, err := interp.Run(ctx, page, "NAVIGATE https://example.com\nCLICK #next", hooks)
	if !errdefs.HasKind(err, errdefs.KindCancelled) {
		t.Fatalf("Run() error = %v, want kind %s", err, errdefs.KindCancelled)
	}
	for _, call := range page.calls {
		if strings.HasPrefix(call, "click") {
			t.Errorf("step ran after cancellation: %v", page.calls)
		}
	}
}

func TestRunCapturesEveryStep(t *testing.T) {
	page := newScriptedPage()
	page.texts["body"] = "hello"
	store := artifacts.NewMemoryStore()
	interp := newTestInterpreter(nil, store, Config{CaptureEveryStep: true})

	result, err := interp.Run(context.Background(), page, "NAVIGATE https://example.com\nEXTRACT_TEXT\nSCREENSHOT", Hooks{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(result.Screenshots) != 3 {
		t.Fatalf("screenshots = %d, want one per step", len(result.Screenshots))
	}
	for i, shot := range result.Screenshots {
		if shot.StepNumber != i+1 {
			t.Errorf("screenshot %d step = %d, want %d", i, shot.StepNumber, i+1)
		}
		if !strings.HasPrefix(shot.Ref, "mem://playwright_") {
			t.Errorf("screenshot ref = %q", shot.Ref)
		}
	}
	if len(result.LastImage) == 0 {
		t.Error("LastImage empty after captures")
	}
}

func TestScreenshotFallbackChain(t *testing.T) {
	page := newScriptedPage()
	page.failShotFull = 1
	interp := newTestInterpreter(nil, nil, Config{})

	result, err := interp.Run(context.Background(), page, "SCREENSHOT", Hooks{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if string(result.LastImage) != "png-view" {
		t.Errorf("LastImage = %q, want viewport fallback", result.LastImage)
	}

	page = newScriptedPage()
	page.failShotFull = 1
	page.failShotView = 1
	result, err = interp.Run(context.Background(), page, "SCREENSHOT", Hooks{})
	if err != nil {
		t.Fatalf("Run() with settle fallback error = %v", err)
	}
	if string(result.LastImage) != "png-view" {
		t.Errorf("LastImage = %q, want post-settle viewport capture", result.LastImage)
	}
	want := []string{"shot full", "shot view", "shot view"}
	if strings.Join(page.calls, ";") != strings.Join(want, ";") {
		t.Errorf("capture sequence = %v, want %v", page.calls, want)
	}
}

func TestRunImage(t *testing.T) {
	page := newScriptedPage()
	interp := newTestInterpreter(nil, nil, Config{})

	mime, data, err := interp.RunImage(context.Background(), page, "NAVIGATE https://example.com\nSCREENSHOT", Hooks{})
	if err != nil {
		t.Fatalf("RunImage() error = %v", err)
	}
	if mime != "image/png" {
		t.Errorf("mime = %q, want image/png", mime)
	}
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		t.Fatalf("decode base64: %v", err)
	}
	if string(decoded) != "png-full" {
		t.Errorf("image = %q, want full page capture", decoded)
	}
}

func TestRunTextJoinsExtracts(t *testing.T) {
	page := newScriptedPage()
	page.texts[".a"] = "first"
	page.texts[".b"] = "second"
	interp := newTestInterpreter(nil, nil, Config{})

	text, err := interp.RunText(context.Background(), page, "EXTRACT_TEXT .a\nEXTRACT_TEXT .b", Hooks{})
	if err != nil {
		t.Fatalf("RunText() error = %v", err)
	}
	if text != "first\nsecond" {
		t.Errorf("text = %q, want joined extracts", text)
	}
}

func TestScreenshotName(t *testing.T) {
	ts := time.Date(2026, 8, 24, 10, 15, 30, 42_000_000, time.UTC)
	name := screenshotName(ts)
	if name != "playwright_20260824_101530_042.png" {
		t.Errorf("screenshotName() = %q", name)
	}
	pattern := regexp.MustCompile(`^playwright_\d{8}_\d{6}_\d{3}\.png$`)
	if !pattern.MatchString(name) {
		t.Errorf("screenshotName() = %q does not match convention", name)
	}
}
