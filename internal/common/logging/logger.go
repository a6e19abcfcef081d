// filename: internal/common/logging/logger.go
package logging

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// Logger представляет логгер приложения
type Logger struct {
	*logrus.Logger
}

// Fields набор полей записи
type Fields = logrus.Fields

// Config представляет конфигурацию логирования
type Config struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
	File   string `mapstructure:"file" yaml:"file"`
}

// NewLogger создает новый логгер // v1.0
func NewLogger(config Config) (*Logger, error) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)

	switch config.Format {
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	default:
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	if err := setOutput(logger, config); err != nil {
		return nil, err
	}

	return &Logger{Logger: logger}, nil
}

// NewDiscardLogger создает логгер без вывода, используется в тестах // v1.0
func NewDiscardLogger() *Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.DebugLevel)
	return &Logger{Logger: logger}
}

// setOutput устанавливает вывод для логгера // v1.0
func setOutput(logger *logrus.Logger, config Config) error {
	switch config.Output {
	case "stderr":
		logger.SetOutput(os.Stderr)
	case "file":
		return setFileOutput(logger, config.File)
	default:
		logger.SetOutput(os.Stdout)
	}
	return nil
}

// setFileOutput дублирует вывод в файл // v1.0
func setFileOutput(logger *logrus.Logger, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return err
	}

	logger.SetOutput(io.MultiWriter(os.Stdout, file))
	return nil
}

// WithRequest добавляет информацию о запросе к логгеру // v1.0
func (l *Logger) WithRequest(method, path, remoteAddr string) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"method":      method,
		"path":        path,
		"remote_addr": remoteAddr,
	})
}

// WithRule добавляет информацию о правиле к логгеру // v1.0
func (l *Logger) WithRule(ruleID, ruleName string) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"rule_id":   ruleID,
		"rule_name": ruleName,
	})
}

// WithExecution добавляет информацию о выполнении к логгеру // v1.0
func (l *Logger) WithExecution(executionID, ruleID string) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"execution_id": executionID,
		"rule_id":      ruleID,
	})
}

// WithAction добавляет информацию о действии и цели к логгеру // v1.0
func (l *Logger) WithAction(executionID, actionID, targetID string) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"execution_id": executionID,
		"action_id":    actionID,
		"target_id":    targetID,
	})
}

// WithDuration добавляет длительность к логгеру // v1.0
func (l *Logger) WithDuration(duration float64) *logrus.Entry {
	return l.Logger.WithField("duration_ms", duration)
}

// SetLevel устанавливает уровень логирования // v1.0
func (l *Logger) SetLevel(level string) error {
	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	l.Logger.SetLevel(logLevel)
	return nil
}

// GetLevel возвращает текущий уровень логирования // v1.0
func (l *Logger) GetLevel() string {
	return l.Logger.GetLevel().String()
}
