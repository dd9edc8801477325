// ============================================================================
// mtcbridge Command Encoder
// ============================================================================
//
// Package: internal/protocol
// File: encoder.go
// Purpose: Validate semantic commands and build track_command messages
//
// Location tokens:
//   - Cue number  1 | 1.2 | 1.2.3   →  "CUE 1.2"
//   - Timecode    HH:MM:SS:FF       →  passed through
//   - anything else                 →  ValidationError
//
// Transitions (at most one):
//   - time based:  "transition": <seconds>  (finite, >= 0, JSON number)
//   - track based: "transitionTrack" + "transitionSection" (both required)
//
// Play modes:
//   play | playSection | loop | stop; go-to-cue accepts the first three.
//   An empty command defaults to playSection.
//
// Validation failures never panic: the caller receives *ValidationError and
// nothing is written to the socket.
//
// ============================================================================

package protocol

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Play modes understood by the MultiTransport manager
const (
	CommandPlay        = "play"
	CommandPlaySection = "playSection"
	CommandLoop        = "loop"
	CommandStop        = "stop"

	DefaultCommand = CommandPlaySection
)

var (
	cuePattern      = regexp.MustCompile(`^\d+(\.\d+){0,2}$`)
	timecodePattern = regexp.MustCompile(`^\d{2}:\d{2}:\d{2}:\d{2}$`)
	secondsPattern  = regexp.MustCompile(`^(?:\d+\.?\d*|\.\d+)$`) // 只接受純十進位

	transportCommands = map[string]bool{
		CommandPlay: true, CommandPlaySection: true, CommandLoop: true, CommandStop: true,
	}
	goToCueCommands = map[string]bool{
		CommandPlay: true, CommandPlaySection: true, CommandLoop: true,
	}
)

// TransitionMode selects how the transition fields are interpreted.
type TransitionMode int

const (
	// TransitionAuto infers the mode from whichever fields are set.
	TransitionAuto TransitionMode = iota
	// TransitionTime uses TransitionSeconds.
	TransitionTime
	// TransitionTrack uses TransitionTrack + TransitionSection.
	TransitionTrack
)

// GoToCueFields are the options of a go-to-cue command.
type GoToCueFields struct {
	Player   string
	Command  string
	Track    string
	Location string

	Transition        TransitionMode
	TransitionSeconds string // textual seconds; "" means no timed transition
	TransitionTrack   string
	TransitionSection string // may be a "Track: Section" label when TransitionTrack is empty
}

// TransportFields are the options of a plain transport command.
type TransportFields struct {
	Player  string
	Command string
}

// EncodeGoToCue validates fields and builds the command message.
func EncodeGoToCue(fields GoToCueFields) (CommandMessage, error) {
	player := strings.TrimSpace(fields.Player)
	if player == "" {
		return CommandMessage{}, invalid("player", "transport name cannot be empty")
	}
	track := strings.TrimSpace(fields.Track)
	if track == "" {
		return CommandMessage{}, invalid("track", "track name cannot be empty")
	}

	command, err := normalizeCommand(fields.Command, goToCueCommands)
	if err != nil {
		return CommandMessage{}, err
	}

	location, err := ParseLocation(fields.Location)
	if err != nil {
		return CommandMessage{}, err
	}

	cmd := TrackCommand{
		Player:   player,
		Command:  command,
		Track:    track,
		Location: location,
	}
	if err := applyTransition(&cmd, fields); err != nil {
		return CommandMessage{}, err
	}

	return CommandMessage{TrackCommand: cmd}, nil
}

// EncodeTransportCommand validates fields and builds the command message.
func EncodeTransportCommand(fields TransportFields) (CommandMessage, error) {
	player := strings.TrimSpace(fields.Player)
	if player == "" {
		return CommandMessage{}, invalid("player", "transport name cannot be empty")
	}

	command, err := normalizeCommand(fields.Command, transportCommands)
	if err != nil {
		return CommandMessage{}, err
	}

	return CommandMessage{TrackCommand: TrackCommand{Player: player, Command: command}}, nil
}

// ParseLocation rewrites a cue number as "CUE n" and passes timecodes through.
func ParseLocation(token string) (string, error) {
	token = strings.TrimSpace(token)
	switch {
	case token == "":
		return "", invalid("location", "cue/timecode cannot be empty")
	case cuePattern.MatchString(token):
		return "CUE " + token, nil
	case timecodePattern.MatchString(token):
		return token, nil
	default:
		return "", invalid("location",
			"%q: expected CUE number (1, 1.2 or 1.2.3) or timecode (00:00:00:00)", token)
	}
}

// SplitSectionLabel splits a "Track: Section" label on its first colon.
// ok is false when the label has no track part.
func SplitSectionLabel(label string) (track, section string, ok bool) {
	i := strings.Index(label, ":")
	if i <= 0 {
		return "", "", false
	}
	track = strings.TrimSpace(label[:i])
	section = strings.TrimSpace(label[i+1:])
	if track == "" {
		return "", "", false
	}
	return track, section, true
}

func normalizeCommand(command string, allowed map[string]bool) (string, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return DefaultCommand, nil
	}
	if !allowed[command] {
		return "", invalid("command", "unsupported play mode %q", command)
	}
	return command, nil
}

func applyTransition(cmd *TrackCommand, fields GoToCueFields) error {
	seconds := strings.TrimSpace(fields.TransitionSeconds)
	ttrack := strings.TrimSpace(fields.TransitionTrack)
	tsection := strings.TrimSpace(fields.TransitionSection)

	if ttrack == "" && tsection != "" {
		if t, s, ok := SplitSectionLabel(tsection); ok {
			ttrack, tsection = t, s
		}
	}
	trackSet := ttrack != "" || tsection != ""

	mode := fields.Transition
	if mode == TransitionAuto {
		switch {
		case seconds != "" && trackSet:
			return invalid("transition", "time and track transitions are mutually exclusive")
		case seconds != "":
			mode = TransitionTime
		case trackSet:
			mode = TransitionTrack
		default:
			return nil
		}
	}

	switch mode {
	case TransitionTime:
		if trackSet {
			return invalid("transition", "time and track transitions are mutually exclusive")
		}
		if seconds == "" {
			return nil
		}
		if !secondsPattern.MatchString(seconds) {
			return invalid("transition", "%q is not a non-negative number of seconds", seconds)
		}
		v, err := strconv.ParseFloat(seconds, 64)
		if err != nil || math.IsInf(v, 0) {
			return invalid("transition", "%q is not a non-negative number of seconds", seconds)
		}
		cmd.Transition = json.Number(strconv.FormatFloat(v, 'f', -1, 64))

	case TransitionTrack:
		if seconds != "" {
			return invalid("transition", "time and track transitions are mutually exclusive")
		}
		if ttrack == "" {
			return invalid("transitionTrack", "required for a track transition")
		}
		if tsection == "" {
			return invalid("transitionSection", "required for a track transition")
		}
		cmd.TransitionTrack = ttrack
		cmd.TransitionSection = tsection

	default:
		return invalid("transition", "unknown transition mode %d", int(mode))
	}
	return nil
}
