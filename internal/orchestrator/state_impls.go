package orchestrator

// RunningState - unit spawned and registered
type RunningState struct{}

func (s *RunningState) Name() string { return "running" }
func (s *RunningState) ToStopping() *StoppingState {
	return &StoppingState{}
}
func (s *RunningState) ToExited() *ExitedState {
	return &ExitedState{}
}

// StoppingState - termination requested, waiting for the unit to exit
type StoppingState struct{}

func (s *StoppingState) Name() string { return "stopping" }
func (s *StoppingState) ToExited() *ExitedState {
	return &ExitedState{}
}

// ExitedState - unit exited and the entry left the registry
type ExitedState struct{}

func (s *ExitedState) Name() string { return "exited" }
