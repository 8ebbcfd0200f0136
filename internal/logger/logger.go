package logger

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// New creates a new structured logger with enterprise-ready configuration
func New() *logrus.Logger {
	log := logrus.New()

	// Set output to stdout
	log.SetOutput(os.Stdout)

	// Use JSON formatter for production-ready structured logging
	log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
			logrus.FieldKeyFunc:  "function",
		},
	})

	// Set default log level
	log.SetLevel(logrus.InfoLevel)

	return log
}

// NewWithFields creates a logger with predefined fields
func NewWithFields(fields logrus.Fields) *logrus.Entry {
	return New().WithFields(fields)
}

// NewForComponent creates a logger for a specific component
func NewForComponent(component string) *logrus.Entry {
	return New().WithField("component", component)
}
