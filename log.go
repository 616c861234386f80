package convex

import (
	"fmt"
	"log"
	"os"
)

// Logging convention in the `convex` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time (infrequent) initialization data that is useful for monitoring
//     this includes:
//     - websocket auth and reconnect timeouts
//     - abnormal exits
// Error:
//     unrecoverable crash details
//     this includes:
//     - unexpected panics even if handled and suppressed for partial operation
// Debug (glog.V(2)):
//     key events for trace debugging
//     this includes:
//     - subscription bind/teardown with identity tokens that can be used to filter
//     - frequent events - e.g. update, page resolve, resubscribe

const LogLevelUrgent = 0
const LogLevelInfo = 50
const LogLevelDebug = 100

var GlobalLogLevel = LogLevelUrgent

var logger = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)

func Logger() *log.Logger {
	return logger
}

type LogFunction func(string, ...any)

func LogFn(level int, tag string) LogFunction {
	return func(format string, a ...any) {
		if level <= GlobalLogLevel {
			m := fmt.Sprintf(format, a...)
			Logger().Printf("%s: %s\n", tag, m)
		}
	}
}

func SubLogFn(level int, log LogFunction, tag string) LogFunction {
	return func(format string, a ...any) {
		if level <= GlobalLogLevel {
			m := fmt.Sprintf(format, a...)
			log("%s: %s", tag, m)
		}
	}
}
