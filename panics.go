package delivery

import (
	"fmt"
	"runtime"
	"strings"
)

// CapturePanic runs fn, converting a panic into a returned error carrying a
// cleaned stack trace. Handler code runs behind this so a panicking enactor
// becomes a failed delivery, not a crashed process.
func CapturePanic(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := make([]byte, 8096)
			n := runtime.Stack(stack, false)
			stack = cleanStackTrace(stack[:n])

			if perr, ok := r.(error); ok {
				err = fmt.Errorf("handler panic: %w\n%s", perr, stack)
				return
			}
			err = fmt.Errorf("handler panic: %v\n%s", r, stack)
		}
	}()
	return fn()
}

func cleanStackTrace(stack []byte) []byte {
	lines := strings.Split(string(stack), "\n")

	// we find the index after the panic line
	panicLineIndex := -1
	for i, line := range lines {
		if strings.Contains(line, "panic(") {
			panicLineIndex = i
			break
		}
	}

	// then remove everything before it, including the panic() call line and
	// its file reference line
	if panicLineIndex >= 0 && panicLineIndex+2 < len(lines) {
		lines = lines[panicLineIndex+2:]
	}

	return []byte(strings.Join(lines, "\n"))
}
