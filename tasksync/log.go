package tasksync

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `tasksync` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation.
//     this includes:
//     - connect failures and unexpected closes
//     - rolled back mutations and conflicts
// Error:
//     unrecoverable crash details
// V(1):
//     lifecycle events with ids that can be used to filter
//     - connect, reconnect scheduling, subscribe, invalidation batches
// V(2):
//     per frame and per patch trace

const LogLevelLifecycle = glog.Level(1)
const LogLevelTrace = glog.Level(2)

type LogFunction func(string, ...any)

// a tagged log function at the given verbosity. level 0 always logs.
func LogFn(level glog.Level, tag string) LogFunction {
	return func(format string, a ...any) {
		if level == 0 || glog.V(level) {
			m := fmt.Sprintf(format, a...)
			glog.InfoDepth(1, fmt.Sprintf("%s %s", tag, m))
		}
	}
}
