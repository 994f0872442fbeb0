// Package recovery detects unhealthy model responses and builds the guidance
// messages used to steer a turn back on track.
//
// A Detector classifies a node as healthy, empty or truncated. A Tracker bounds
// how many consecutive unhealthy nodes are retried before the turn escalates to
// the iteration-limit fallback built by Summarize.
package recovery
