package monitor

import "os/exec"

// Terminator is the platform capability used to end the backend and its children
type Terminator interface {
	// Prepare adjusts the command before it starts, e.g. a new process group
	Prepare(cmd *exec.Cmd)
	// Terminate asks the process tree to exit
	Terminate(pid int) error
	// Kill forcibly ends the process tree
	Kill(pid int) error
}
