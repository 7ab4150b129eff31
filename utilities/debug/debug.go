// Package debug prints diagnostics when the debug level is high enough.
//
// Levels: 1 is process lifecycle and formatting, 2 is paging, 3 is sector
// allocation.
package debug

import (
	"io"
	"log"
)

// Level is the highest level of message that gets printed. 0 silences
// everything.
var Level uint64

var logger = log.Default()

func DPrintf(level uint64, format string, a ...interface{}) {
	if level <= Level {
		logger.Printf(format, a...)
	}
}

// SetOutput redirects debug messages to `w`.
func SetOutput(w io.Writer) {
	logger = log.New(w, "", log.LstdFlags)
}
