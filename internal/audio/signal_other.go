//go:build !unix

package audio

import (
	"errors"
	"os"
)

var errPauseUnsupported = errors.New("pause not supported on this platform")

func suspend(*os.Process) error { return errPauseUnsupported }

func resume(*os.Process) error { return errPauseUnsupported }
