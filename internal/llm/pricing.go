package llm

// price holds USD per thousand tokens.
type price struct {
	input  float64
	output float64
}

// pricing maps model identifiers to their list price. Unlisted models fall
// back to defaultPrice so cost tracking keeps working for new models.
var pricing = map[string]price{
	"gpt-4o":                     {input: 0.0025, output: 0.01},
	"gpt-4o-mini":                {input: 0.00015, output: 0.0006},
	"gpt-4.1":                    {input: 0.002, output: 0.008},
	"gpt-4.1-mini":               {input: 0.0004, output: 0.0016},
	"o3-mini":                    {input: 0.0011, output: 0.0044},
	"claude-opus-4-20250514":     {input: 0.015, output: 0.075},
	"claude-sonnet-4-20250514":   {input: 0.003, output: 0.015},
	"claude-3-5-haiku-20241022":  {input: 0.0008, output: 0.004},
	"claude-3-7-sonnet-20250219": {input: 0.003, output: 0.015},
	"gemini-2.5-pro":             {input: 0.00125, output: 0.01},
	"gemini-2.5-flash":           {input: 0.0003, output: 0.0025},
	"gemini-2.0-flash":           {input: 0.0001, output: 0.0004},
	"gemini-1.5-pro":             {input: 0.00125, output: 0.005},
}

var defaultPrice = price{input: 0.001, output: 0.002}

// Cost estimates the USD spend for one call.
func Cost(modelID string, inputTokens, outputTokens int) float64 {
	p, ok := pricing[modelID]
	if !ok {
		p = defaultPrice
	}
	return float64(inputTokens)/1000*p.input + float64(outputTokens)/1000*p.output
}
