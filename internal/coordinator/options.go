package coordinator

import (
	"fmt"
	"time"

	"github.com/coinnation/kontext-sub005/internal/core"
	"github.com/coinnation/kontext-sub005/internal/correlator"
)

// Options holds every tunable of the coordinator. The zero value is not
// usable; start from DefaultOptions.
type Options struct {
	// BaseTimeout and ExtendedTimeout bound a workflow's age and inactivity
	// before the sweep may expire it.
	BaseTimeout     time.Duration
	ExtendedTimeout time.Duration

	// MaxExecutions caps deployment attempts per workflow.
	MaxExecutions int

	// MaxSequentialErrors caps chained sequential starts per project.
	MaxSequentialErrors int

	// SequentialWindow classifies a start as sequential when the prior
	// workflow was deploying or finished within it.
	SequentialWindow time.Duration

	// DuplicateWindow rejects a start while the prior workflow is still
	// injecting and younger than this.
	DuplicateWindow time.Duration

	// ActiveConflictWindow rejects a start while the prior workflow is
	// active and saw activity within it.
	ActiveConflictWindow time.Duration

	// SequentialCounterTTL is how long a project's sequential counter lives
	// without a new sequential start.
	SequentialCounterTTL time.Duration

	// CallbackRetries and CallbackRetryDelay poll the conversational surface.
	// The delay grows linearly with the attempt number.
	CallbackRetries    int
	CallbackRetryDelay time.Duration

	// FunctionPollAttempts and FunctionPollInterval poll the deployer.
	FunctionPollAttempts int
	FunctionPollInterval time.Duration

	// DeployTriggerDelay defers the deployment call after the trigger mark.
	DeployTriggerDelay time.Duration

	// DeployInitiationTimeout is how long the deployment call is awaited
	// before the coordinator stops waiting. It never fails the workflow.
	DeployInitiationTimeout time.Duration

	// SweepInterval is the period of Run's reclamation sweep.
	SweepInterval time.Duration

	// UnprotectDelay and RemoveDelay are the two post-completion grace stages.
	UnprotectDelay time.Duration
	RemoveDelay    time.Duration

	// ConversationalTab is passed to SwitchToConversationalSurface.
	ConversationalTab string

	// SubscriberBuffer is the snapshot channel size handed out by Subscribe.
	SubscriberBuffer int

	Correlator correlator.Config
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		BaseTimeout:             10 * time.Minute,
		ExtendedTimeout:         30 * time.Minute,
		MaxExecutions:           3,
		MaxSequentialErrors:     5,
		SequentialWindow:        5 * time.Second,
		DuplicateWindow:         5 * time.Second,
		ActiveConflictWindow:    30 * time.Second,
		SequentialCounterTTL:    10 * time.Minute,
		CallbackRetries:         5,
		CallbackRetryDelay:      200 * time.Millisecond,
		FunctionPollAttempts:    30,
		FunctionPollInterval:    100 * time.Millisecond,
		DeployTriggerDelay:      100 * time.Millisecond,
		DeployInitiationTimeout: 5 * time.Second,
		SweepInterval:           60 * time.Second,
		UnprotectDelay:          1 * time.Second,
		RemoveDelay:             2 * time.Second,
		ConversationalTab:       core.DefaultConversationalTab,
		SubscriberBuffer:        16,
		Correlator:              correlator.DefaultConfig(),
	}
}

// Validate reports the first nonsensical value.
func (o Options) Validate() error {
	switch {
	case o.MaxExecutions < 1:
		return fmt.Errorf("max executions must be at least 1, got %d", o.MaxExecutions)
	case o.MaxSequentialErrors < 1:
		return fmt.Errorf("max sequential errors must be at least 1, got %d", o.MaxSequentialErrors)
	case o.BaseTimeout <= 0 || o.ExtendedTimeout < o.BaseTimeout:
		return fmt.Errorf("timeouts must satisfy 0 < base (%s) <= extended (%s)", o.BaseTimeout, o.ExtendedTimeout)
	case o.CallbackRetries < 1 || o.FunctionPollAttempts < 1:
		return fmt.Errorf("polling attempts must be at least 1")
	case o.SweepInterval <= 0:
		return fmt.Errorf("sweep interval must be positive, got %s", o.SweepInterval)
	case o.Correlator.ConfidenceThreshold < 0 || o.Correlator.ConfidenceThreshold > 1:
		return fmt.Errorf("confidence threshold must be within [0,1], got %v", o.Correlator.ConfidenceThreshold)
	}
	return nil
}
