package voice

import (
	"context"
	"errors"
	"math"
	"os/exec"
	"runtime"
	"strconv"
)

// Utterance settings used when the command is chosen automatically.
const (
	Lang   = "en-US"
	Rate   = 1.02
	Volume = 0.8
)

// Rate and volume scaled to the units say and espeak expect: words per
// minute around a default of 175, and espeak amplitude out of 200.
var (
	wordsPerMinute = strconv.Itoa(int(math.Round(175 * Rate)))
	amplitude      = strconv.Itoa(int(math.Round(200 * Volume)))
)

// ErrUnsupported is returned when no speech program is available.
var ErrUnsupported = errors.New("speech synthesis unsupported on this platform")

// NopSpeaker discards speech.
type NopSpeaker struct{}

func (NopSpeaker) Speak(context.Context, string) error { return nil }

// CommandSpeaker speaks through an external text-to-speech program. The
// text is passed as the last argument; cancelling ctx kills the process.
type CommandSpeaker struct {
	Command string
	Args    []string
}

// NewCommandSpeaker returns a speaker for command. An empty command picks
// the platform default (say on macOS, espeak elsewhere).
func NewCommandSpeaker(command string, args []string) *CommandSpeaker {
	if command != "" {
		return &CommandSpeaker{Command: command, Args: args}
	}
	if runtime.GOOS == "darwin" {
		return &CommandSpeaker{Command: "say", Args: []string{"-r", wordsPerMinute}}
	}
	return &CommandSpeaker{Command: "espeak", Args: []string{
		"-v", "en-us",
		"-s", wordsPerMinute,
		"-a", amplitude,
	}}
}

func (s *CommandSpeaker) Speak(ctx context.Context, text string) error {
	path, err := exec.LookPath(s.Command)
	if err != nil {
		return ErrUnsupported
	}
	args := append(append([]string{}, s.Args...), text)
	return exec.CommandContext(ctx, path, args...).Run()
}
