package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var logger *logrus.Logger
var schedulerLogger *logrus.Logger

func init() {
	logger = logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(textFormatter(""))
	logger.SetLevel(logrus.InfoLevel)

	// Core events go through their own logger so they can be silenced
	// independently of the driver output.
	schedulerLogger = logrus.New()
	schedulerLogger.SetOutput(os.Stdout)
	schedulerLogger.SetFormatter(textFormatter("sched_msg"))
	schedulerLogger.SetLevel(logrus.WarnLevel)
}

func textFormatter(msgKey string) logrus.Formatter {
	f := &logrus.TextFormatter{
		FullTimestamp: true,
		DisableColors: false,
	}
	if msgKey != "" {
		f.FieldMap = logrus.FieldMap{
			logrus.FieldKeyTime:  "time",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   msgKey,
		}
	}
	return f
}

func jsonFormatter(msgKey string) logrus.Formatter {
	f := &logrus.JSONFormatter{}
	if msgKey != "" {
		f.FieldMap = logrus.FieldMap{logrus.FieldKeyMsg: msgKey}
	}
	return f
}

func GetLogger() *logrus.Logger {
	return logger
}

func GetSchedulerLogger() *logrus.Logger {
	return schedulerLogger
}

func SetLogLevel(level string) error {
	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logger.SetLevel(logLevel)
	return nil
}

func SetSchedulerLogLevel(level string) error {
	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	schedulerLogger.SetLevel(logLevel)
	return nil
}

// SetFormat switches both loggers between "text" and "json" output.
func SetFormat(format string) error {
	switch strings.ToLower(format) {
	case "", "text":
		logger.SetFormatter(textFormatter(""))
		schedulerLogger.SetFormatter(textFormatter("sched_msg"))
	case "json":
		logger.SetFormatter(jsonFormatter(""))
		schedulerLogger.SetFormatter(jsonFormatter("sched_msg"))
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	return nil
}

func SetOutput(w io.Writer) {
	logger.SetOutput(w)
	schedulerLogger.SetOutput(w)
}
