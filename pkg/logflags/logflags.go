package logflags

import (
	"errors"
	"io/ioutil"
	"log"
	"strings"

	"github.com/sirupsen/logrus"
)

var pump = false
var stacktrace = false
var rtti = false
var binarylog = false
var replayer = false
var target = false

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New().WithFields(fields)
	logger.Logger.Level = logrus.DebugLevel
	if !flag {
		logger.Logger.Level = logrus.PanicLevel
	}
	return logger
}

// Pump returns true if the event pump should log dispatch/reply traffic.
func Pump() bool {
	return pump
}

// PumpLogger returns a configured logger for the event pump.
func PumpLogger() *logrus.Entry {
	return makeLogger(pump, logrus.Fields{"layer": "pump"})
}

// StackTrace returns true if the stack-trace builder should log.
func StackTrace() bool {
	return stacktrace
}

// StackTraceLogger returns a logger for the stack-trace builder.
func StackTraceLogger() *logrus.Entry {
	return makeLogger(stacktrace, logrus.Fields{"layer": "stacktrace"})
}

// RTTI returns true if the MSVC RTTI decoder should log.
func RTTI() bool {
	return rtti
}

// RTTILogger returns a logger for the RTTI decoder.
func RTTILogger() *logrus.Entry {
	return makeLogger(rtti, logrus.Fields{"layer": "rtti"})
}

// BinaryLog returns true if the binary log writer should log.
func BinaryLog() bool {
	return binarylog
}

// BinaryLogLogger returns a logger for the binary log writer.
func BinaryLogLogger() *logrus.Entry {
	return makeLogger(binarylog, logrus.Fields{"layer": "binarylog"})
}

// Replayer returns true if the binary log replayer should log.
func Replayer() bool {
	return replayer
}

// ReplayerLogger returns a logger for the binary log replayer.
func ReplayerLogger() *logrus.Entry {
	return makeLogger(replayer, logrus.Fields{"layer": "replayer"})
}

// Target returns true if the target-process facade should log.
func Target() bool {
	return target
}

// TargetLogger returns a logger for the target-process facade.
func TargetLogger() *logrus.Entry {
	return makeLogger(target, logrus.Fields{"layer": "target"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets debugger flags based on the contents of logstr.
func Setup(logFlag bool, logstr string) error {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(ioutil.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "pump"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch logcmd {
		case "pump":
			pump = true
		case "stacktrace":
			stacktrace = true
		case "rtti":
			rtti = true
		case "binarylog":
			binarylog = true
		case "replayer":
			replayer = true
		case "target":
			target = true
		}
	}
	return nil
}
