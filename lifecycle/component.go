package lifecycle

import (
	"errors"
	"time"

	"oss.nandlabs.io/hookforge/l3"
)

var logger = l3.Get()

type ComponentState int

const (
	// Unknown is the state of the component when it is not known.
	Unknown ComponentState = iota
	// Error is the state of the component when it is in error.
	Error
	// Stopped is the state of the component when it is stopped.
	Stopped
	//Stopping is the state of the component when it is stopping.
	Stopping
	// Running is the state of the component when it is running.
	Running
	// Starting is the state of the component when it is starting.
	Starting
)

var ErrCompNotFound = errors.New("component not found")

var ErrCompAlreadyStarted = errors.New("component already started")

var ErrCompAlreadyStopped = errors.New("component already stopped")

var ErrInvalidComponentState = errors.New("invalid component state")

var ErrCyclicDependency = errors.New("cyclic dependency detected")

var ErrTimeout = errors.New("component operation timed out")

// Component is the interface that wraps the basic Start and Stop methods.
type Component interface {
	// Id is the unique identifier for the component.
	Id() string
	//OnChange registers a callback invoked when the component's state changes.
	OnChange(f func(prevState, newState ComponentState))
	// Start will starting the LifeCycle.
	Start() error
	// Stop will stop the LifeCycle.
	Stop() error
	// State will return the current state of the LifeCycle.
	State() ComponentState
}

// ComponentManager is the interface that manages multiple components.
type ComponentManager interface {
	// GetState will return the current state of the LifeCycle for the component with the given id.
	GetState(id string) ComponentState
	//List will return a list of all the Components.
	List() []Component
	// Register will register a new Components.
	Register(component Component) Component
	// StartAll will start all the Components. Returns an error aggregating any start failures.
	StartAll() error
	//StartAndWait will start all the Components and wait for them to finish.
	StartAndWait()
	// Start will start the LifeCycle for the component with the given id.
	// It returns an error if the component was not found or if the component failed to start.
	Start(id string) error
	// StopAll will stop all the Components. Returns an error aggregating any stop failures.
	StopAll() error
	// AddDependency declares that component id depends on component dependsOn.
	AddDependency(id, dependsOn string) error
	// OnChange registers a callback invoked when the component with the given id changes state.
	OnChange(id string, f func(prevState, newState ComponentState))
	// StartWithTimeout starts the component with the given id, returning ErrTimeout if it
	// does not finish starting within the given duration.
	StartWithTimeout(id string, timeout time.Duration) error
	// StopWithTimeout stops the component with the given id, returning ErrTimeout if it
	// does not finish stopping within the given duration.
	StopWithTimeout(id string, timeout time.Duration) error
	// StartAllWithTimeout starts all components, returning ErrTimeout if they do not all
	// finish starting within the given duration.
	StartAllWithTimeout(timeout time.Duration) error
	// StopAllWithTimeout stops all components, returning ErrTimeout if they do not all
	// finish stopping within the given duration.
	StopAllWithTimeout(timeout time.Duration) error
	// Stop will stop the LifeCycle for the component with the given id. It returns if the component was stopped.
	Stop(id string) error
	// Unregister will unregister a Component.
	Unregister(id string)
	// Wait will wait for all the Components to finish.
	Wait()
}
