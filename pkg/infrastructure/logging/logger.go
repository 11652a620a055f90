package logging

import (
	"os"
	"time"

	"gitea.xscloud.ru/xscloud/connpool/pkg/application/logging"

	"github.com/sirupsen/logrus"
)

const appNameKey = "app_name"

type Config struct {
	AppName string `yaml:"appName"`
	Level   string `yaml:"level"`
}

func NewJSONLogger(config *Config) (logging.MainLogger, error) {
	impl := logrus.New()
	impl.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap:        fieldMap,
	})
	impl.SetOutput(os.Stderr)
	impl.AddHook(NewStackTraceHook())
	if config.Level != "" {
		level, err := logrus.ParseLevel(config.Level)
		if err != nil {
			return nil, err
		}
		impl.SetLevel(level)
	}
	return NewLogger(impl.WithField(appNameKey, config.AppName)), nil
}

// NewLogger wraps an already configured logrus logger or entry.
func NewLogger(impl logrus.FieldLogger) logging.MainLogger {
	return &loggerImpl{FieldLogger: impl}
}

type loggerImpl struct {
	logrus.FieldLogger
}

func (l *loggerImpl) WithField(key string, value interface{}) logging.Logger {
	return &loggerImpl{l.FieldLogger.WithField(key, value)}
}

func (l *loggerImpl) WithFields(fields logging.Fields) logging.Logger {
	return &loggerImpl{l.FieldLogger.WithFields(logrus.Fields(fields))}
}

func (l *loggerImpl) Error(err error, args ...interface{}) {
	l.withError(err).Error(args...)
}

func (l *loggerImpl) Warning(err error, args ...interface{}) {
	l.withError(err).Warn(args...)
}

func (l *loggerImpl) FatalError(err error, args ...interface{}) {
	l.withError(err).Fatal(args...)
}

func (l *loggerImpl) withError(err error) logrus.FieldLogger {
	if err == nil {
		return l.FieldLogger
	}
	return l.FieldLogger.WithError(err)
}

var fieldMap = logrus.FieldMap{
	logrus.FieldKeyTime: "@timestamp",
	logrus.FieldKeyMsg:  "message",
}
