package modelrun_test

import (
	"fmt"
	"time"

	"github.com/modelrun/modelrun"
)

func ExampleResolveOptions() {
	opts := modelrun.ResolveOptions(
		modelrun.WithModel("claude-sonnet-4-5-20250514"),
		modelrun.WithSystemPrompt("You are terse."),
		modelrun.WithTimeout(30*time.Second),
	)
	fmt.Println(opts.Model)
	fmt.Println(opts.SystemPrompt)
	fmt.Println(opts.Timeout)
	// Output:
	// claude-sonnet-4-5-20250514
	// You are terse.
	// 30s
}

func ExampleResolveOptions_empty() {
	opts := modelrun.ResolveOptions()
	fmt.Println(opts.Model == "")
	fmt.Println(opts.SystemPrompt == "")
	fmt.Println(opts.Timeout)
	// Output:
	// true
	// true
	// 0s
}

func ExampleWithModel() {
	opts := modelrun.ResolveOptions(modelrun.WithModel("claude-sonnet-4-5-20250514"))
	fmt.Println(opts.Model)
	// Output: claude-sonnet-4-5-20250514
}

func ExampleWithTimeout() {
	opts := modelrun.ResolveOptions(modelrun.WithTimeout(10 * time.Second))
	fmt.Println(opts.Timeout)
	// Output: 10s
}

func ExampleInvokeOptions_Apply() {
	req := modelrun.Request{Prompt: "Summarize this code", Model: "default-model"}
	opts := modelrun.ResolveOptions(modelrun.WithModel("claude-sonnet-4-5-20250514"))
	merged := opts.Apply(req)
	fmt.Println(merged.Model)
	fmt.Println(req.Model)
	// Output:
	// claude-sonnet-4-5-20250514
	// default-model
}
