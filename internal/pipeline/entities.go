// Package pipeline implements the query lifecycle and the ordered,
// stage-based processing of inbound messages.
package pipeline

import (
	"github.com/langbot-app/LangBot/pkg/message"
)

// ResultType is the control signal a stage returns.
type ResultType int

const (
	// Continue proceeds to the next stage.
	Continue ResultType = iota

	// Interrupt stops the pipeline. If the result carries a user
	// notice, the reply stage still runs to deliver it.
	Interrupt
)

// String returns the lowercase name used in logs and metrics.
func (r ResultType) String() string {
	if r == Interrupt {
		return "interrupt"
	}
	return "continue"
}

// StageProcessResult is what a stage hands back to the runtime.
type StageProcessResult struct {
	ResultType ResultType

	// NewQuery, when set on Continue, replaces the query for the
	// remaining stages.
	NewQuery *Query

	// UserNotice, when set on Interrupt, is delivered to the user as a
	// single reply frame.
	UserNotice string

	// Err records a stage-level failure for error accounting.
	Err error

	// RespChain optionally carries a reply chain produced by the
	// stage (used by notices and command output).
	RespChain message.MessageChain
}

// ContinueResult is the plain keep-going result.
func ContinueResult() StageProcessResult {
	return StageProcessResult{ResultType: Continue}
}

// InterruptResult silently stops the pipeline.
func InterruptResult() StageProcessResult {
	return StageProcessResult{ResultType: Interrupt}
}

// InterruptWithNotice stops the pipeline and tells the user why.
func InterruptWithNotice(notice string) StageProcessResult {
	return StageProcessResult{ResultType: Interrupt, UserNotice: notice}
}
