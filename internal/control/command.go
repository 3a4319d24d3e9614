// Package control implements the line-oriented text control protocol.
package control

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/dgnsrekt/kinect-multiplexer/internal/device"
	"github.com/dgnsrekt/kinect-multiplexer/internal/stream"
)

// ErrEmptyCommand is returned for blank input.
var ErrEmptyCommand = errors.New("empty command")

// Kind identifies a parsed command.
type Kind int

const (
	KindSource Kind = iota + 1
	KindParams
	KindStream
	KindStatus
	KindHelp
)

// Command is one parsed control request.
type Command struct {
	Kind   Kind
	Source device.Source
	Update stream.ParamUpdate
	Stream string
}

// UnknownCommandError reports a command word the protocol does not know.
type UnknownCommandError struct {
	Word string
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("Unknown command %q. Use: %s", e.Word, Usage())
}

// Usage lists the accepted commands.
func Usage() string {
	return fmt.Sprintf("rgb, ir, depth, picam, quality <%d-%d>, scale <%g-%g>, res <%s>, stream <id>, status, help",
		stream.MinQuality, stream.MaxQuality, stream.MinScale, stream.MaxScale,
		strings.Join(device.PresetNames(), "|"))
}

// Parse parses one command line. Command words are case-insensitive.
func Parse(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, ErrEmptyCommand
	}
	word := strings.ToLower(fields[0])
	args := fields[1:]

	switch word {
	case "quality", "q":
		arg, err := oneArg(word, args)
		if err != nil {
			return Command{}, err
		}
		n, err := strconv.Atoi(arg)
		if err != nil {
			return Command{}, fmt.Errorf("quality must be an integer %d-%d, got %q", stream.MinQuality, stream.MaxQuality, arg)
		}
		return Command{Kind: KindParams, Update: stream.ParamUpdate{Quality: &n}}, nil

	case "scale":
		arg, err := oneArg(word, args)
		if err != nil {
			return Command{}, err
		}
		f, err := strconv.ParseFloat(arg, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return Command{}, fmt.Errorf("scale must be a number %g-%g, got %q", stream.MinScale, stream.MaxScale, arg)
		}
		return Command{Kind: KindParams, Update: stream.ParamUpdate{Scale: &f}}, nil

	case "res", "resolution", "picam_res":
		arg, err := oneArg(word, args)
		if err != nil {
			return Command{}, err
		}
		preset := strings.ToLower(arg)
		return Command{Kind: KindParams, Update: stream.ParamUpdate{Preset: &preset}}, nil

	case "stream":
		arg, err := oneArg(word, args)
		if err != nil {
			return Command{}, err
		}
		return Command{Kind: KindStream, Stream: arg}, nil

	case "status":
		return Command{Kind: KindStatus}, nil

	case "help", "?":
		return Command{Kind: KindHelp}, nil
	}

	source, err := device.ParseSource(word)
	if err != nil || len(args) > 0 {
		return Command{}, &UnknownCommandError{Word: fields[0]}
	}
	return Command{Kind: KindSource, Source: source}, nil
}

func oneArg(word string, args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("%s takes exactly one argument", word)
	}
	return args[0], nil
}
