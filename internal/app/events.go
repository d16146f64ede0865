package app

import "jointcal/internal/project"

// EventType identifies the stages of a run.
type EventType int

const (
	// EventAssociated carries the *catalog.Associations of a stage.
	EventAssociated EventType = iota
	// EventStepFinished carries a StepEvent.
	EventStepFinished
	// EventStageFinished carries the Stage.
	EventStageFinished
)

// EventListener is called when an event occurs.
type EventListener func(data interface{})

// Stage names a calibration stage.
type Stage string

const (
	StageAstrometry Stage = "astrometry"
	StagePhotometry Stage = "photometry"
)

// StepEvent reports one finished Minimize call.
type StepEvent struct {
	Stage Stage
	Index int
	Step  project.StepResult
}

// On registers an event listener for the specified event type.
func (r *Runner) On(event EventType, listener EventListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners[event] = append(r.listeners[event], listener)
}

// Emit triggers all listeners for the specified event type.
func (r *Runner) Emit(event EventType, data interface{}) {
	r.mu.RLock()
	listeners := r.listeners[event]
	r.mu.RUnlock()

	for _, listener := range listeners {
		listener(data)
	}
}
