package webactions

import (
	"fmt"
	"strings"
)

const primitiveReference = `NAVIGATE <url>            open a page; url must start with http:// or https://
CLICK <selector>          click an element; css selector or text=<visible label>
TYPE <selector> <text>    fill an input
WAIT <selector>           wait for an element to appear
WAIT <seconds>            pause 1-60 seconds
EXTRACT_TEXT [selector]   capture text; omit the selector for the whole page
SCREENSHOT                capture the current page
SCROLL_TO <selector>      scroll an element into view
CLOSE                     end the script`

// splitPrompt asks the model to rewrite free-form instructions as one
// primitive per line.
func splitPrompt(instructions string) string {
	var b strings.Builder
	b.WriteString("Rewrite the browser task below as a plain list of steps, exactly one step per line.\n")
	b.WriteString("Each line must be one of these primitives:\n\n")
	b.WriteString(primitiveReference)
	b.WriteString("\n\nRules:\n")
	b.WriteString("- Never emit a step that opens or launches a browser; a page is already open.\n")
	b.WriteString("- Every NAVIGATE url must start with http:// or https://.\n")
	b.WriteString("- Output only the steps, no numbering, no commentary, no code fences.\n")
	b.WriteString("\nTask:\n")
	b.WriteString(instructions)
	return b.String()
}

// repairPrompt asks the model for a corrected version of a failed step.
func repairPrompt(step Step, stepErr error, pageURL string) string {
	var b strings.Builder
	b.WriteString("A browser automation step failed. Propose a corrected step.\n\n")
	fmt.Fprintf(&b, "Failed step: %s\n", step.Raw)
	fmt.Fprintf(&b, "Error: %v\n", stepErr)
	if pageURL != "" {
		fmt.Fprintf(&b, "Current page: %s\n", pageURL)
	}
	b.WriteString("\nAnswer with exactly one line using one of these primitives:\n\n")
	b.WriteString(primitiveReference)
	b.WriteString("\n\nIf the step cannot be fixed, answer with the single word SKIP.")
	return b.String()
}
