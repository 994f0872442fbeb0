// Package runner hosts turns for many sessions. It serializes turns of the
// same session through a command queue lane, restores and repairs the
// session's log before each turn, persists it afterwards and lets callers
// abort the running turn of a session.
//
// Usage:
//
//	r, _ := runner.New(runner.Config{Store: store, Queue: queue, Build: build, Spec: spec})
//	res, err := r.Run(ctx, runner.Params{SessionKey: "cli-default", Prompt: "fix the tests"})
//	_ = res
//	_ = err
package runner
