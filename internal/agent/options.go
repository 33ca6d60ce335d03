package agent

// Defaults applied by [Options.WithDefaults].
const (
	DefaultSystemPrompt = "You are a helpful assistant."
	DefaultModel        = "gpt-4o-mini"
	DefaultTemperature  = 0.5
	DefaultMaxTokens    = 4096
)

// Options configures a decision step.
type Options struct {
	SystemPrompt string
	Model        string

	// Temperature is sent as-is when set, including an explicit zero.
	Temperature *float64

	MaxTokens int
}

// WithDefaults returns a copy of o with every unset field defaulted.
func (o Options) WithDefaults() Options {
	if o.SystemPrompt == "" {
		o.SystemPrompt = DefaultSystemPrompt
	}
	if o.Model == "" {
		o.Model = DefaultModel
	}
	if o.Temperature == nil {
		t := DefaultTemperature
		o.Temperature = &t
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = DefaultMaxTokens
	}
	return o
}

// Temperature returns a pointer to t for [Options.Temperature].
func Temperature(t float64) *float64 {
	return &t
}
