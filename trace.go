package deltasync

import (
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/golang/glog"
)

// IsDoneError reports whether a recovered panic value represents expected
// shutdown (context canceled / manager closed), as opposed to a genuine
// invariant violation.
func IsDoneError(r any) bool {
	isDoneMessage := func(message string) bool {
		switch message {
		case "Done", "closed":
			return true
		default:
			return false
		}
	}
	switch v := r.(type) {
	case error:
		return isDoneMessage(v.Error())
	case string:
		return isDoneMessage(v)
	default:
		return false
	}
}

// HandleError recovers a panic raised by `do`, logs it unless it is an
// expected shutdown, and invokes every handler that is a func() or a
// func(error), passing the latter the recovered value as an error.
// Queue workers wrap their per-item processing in HandleError so a
// single bad message cannot take down the worker goroutine silently.
func HandleError(do func(), handlers ...any) (r any) {
	defer func() {
		if r = recover(); r != nil {
			if IsDoneError(r) {
				// expected shutdown, do not log
			} else {
				glog.Warningf("unexpected error: %s", errorJson(r, debug.Stack()))
			}
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("%v", r)
			}
			for _, handler := range handlers {
				switch v := handler.(type) {
				case func():
					v()
				case func(error):
					v(err)
				}
			}
		}
	}()
	do()
	return
}

func errorJson(err any, stack []byte) string {
	stackLines := []string{}
	for _, line := range strings.Split(string(stack), "\n") {
		stackLines = append(stackLines, strings.TrimSpace(line))
	}
	errorJsonBytes, _ := json.Marshal(map[string]any{
		"error": fmt.Sprintf("%T=%v", err, err),
		"stack": stackLines,
	})
	return string(errorJsonBytes)
}
