// Package lighting carries the device's light domain: the fixed command set,
// scene and color models, and the worker that drives the LED driver.
package lighting

import "fmt"

// Command is one of the fixed set of light commands a link or the scheduler
// may dispatch. The wire form is the lowercase name as raw bytes on the
// control characteristic.
type Command string

const (
	CommandOpen     Command = "open"
	CommandClose    Command = "close"
	CommandReset    Command = "reset"
	CommandSetScene Command = "set_scene"
)

// ParseCommand parses a control-characteristic payload. SetScene never
// arrives here; scene updates travel through the scene transfer channel.
func ParseCommand(data []byte) (Command, error) {
	switch Command(data) {
	case CommandOpen:
		return CommandOpen, nil
	case CommandClose:
		return CommandClose, nil
	case CommandReset:
		return CommandReset, nil
	default:
		return "", fmt.Errorf("lighting: invalid command %q", data)
	}
}

// State is the externally visible light state, notified on the state
// characteristic as raw bytes.
type State string

const (
	StateOpened State = "opened"
	StateClosed State = "closed"
)

func ParseState(data []byte) (State, error) {
	switch State(data) {
	case StateOpened:
		return StateOpened, nil
	case StateClosed:
		return StateClosed, nil
	default:
		return "", fmt.Errorf("lighting: invalid state %q", data)
	}
}
