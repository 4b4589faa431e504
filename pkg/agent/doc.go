// Package agent runs the update state machine. It checks for new firmware on a
// schedule, fetches a job document or goes straight for the image, writes the
// image through the storage writer, verifies and activates it, and reports
// the result to the publisher.
//
// The host application follows along through a synchronous callback. It is
// told of every state entered and every step that succeeded, and may stop a
// cycle or take over a step by its answer. The agent makes no decision that
// the transition tables in projection.go do not allow.
package agent
