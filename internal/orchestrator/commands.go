package orchestrator

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/autoreg/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Command is one of StartRun, Pause, Resume or Stop.
type Command interface {
	command()
}

// StartRun replaces the queue with Events and starts draining it. A nil
// Settings uses the configured profile and delay.
type StartRun struct {
	Events   []schemas.Event   `json:"events"`
	Settings *schemas.Settings `json:"settings,omitempty"`
}

// Pause stops at the next task boundary.
type Pause struct{}

// Resume continues a paused run, or a restored queue when idle.
type Resume struct{}

// Stop halts the run after the in-flight task.
type Stop struct{}

func (StartRun) command() {}
func (Pause) command()    {}
func (Resume) command()   {}
func (Stop) command()     {}

// Command names on the wire.
const (
	NameStartRun = "startRun"
	NamePause    = "pause"
	NameResume   = "resume"
	NameStop     = "stop"
)

// ErrUnknownCommand is returned by DecodeCommand for an unrecognised name.
var ErrUnknownCommand = errors.New("unknown command")

// DecodeCommand builds a Command from its wire name and JSON params.
func DecodeCommand(name string, params []byte) (Command, error) {
	switch name {
	case NameStartRun:
		var c StartRun
		if len(params) == 0 {
			return nil, errors.New("startRun requires params")
		}
		if err := json.Unmarshal(params, &c); err != nil {
			return nil, fmt.Errorf("invalid startRun params: %w", err)
		}
		return c, nil
	case NamePause:
		return Pause{}, nil
	case NameResume:
		return Resume{}, nil
	case NameStop:
		return Stop{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
}

// CommandName is the wire name of cmd.
func CommandName(cmd Command) string {
	switch cmd.(type) {
	case StartRun, *StartRun:
		return NameStartRun
	case Pause, *Pause:
		return NamePause
	case Resume, *Resume:
		return NameResume
	case Stop, *Stop:
		return NameStop
	}
	return fmt.Sprintf("%T", cmd)
}
