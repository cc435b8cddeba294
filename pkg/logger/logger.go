package logger

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

const timestampFormat = "2006-01-02 15:04:05.000"

var (
	// Logger 进程级日志器，组件未注入日志时使用
	Logger *logrus.Logger
	once   sync.Once
)

// Config 日志配置
type Config struct {
	Level  string `mapstructure:"level" json:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" json:"format"` // text, json
	Output string `mapstructure:"output" json:"output"` // stdout, stderr
}

// New 根据配置创建日志器，out 非空时忽略 Config.Output
func New(config Config, out io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetLevel(parseLevel(config.Level))
	l.SetFormatter(formatter(config.Format))

	if out == nil {
		out = writerFor(config.Output)
	}
	l.SetOutput(out)
	return l
}

func parseLevel(s string) logrus.Level {
	level, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

func formatter(format string) logrus.Formatter {
	if strings.EqualFold(format, "json") {
		return &logrus.JSONFormatter{TimestampFormat: timestampFormat}
	}
	return &logrus.TextFormatter{TimestampFormat: timestampFormat, FullTimestamp: true}
}

func writerFor(output string) io.Writer {
	if strings.EqualFold(output, "stderr") {
		return os.Stderr
	}
	return os.Stdout
}

// Init 按配置替换进程级日志器
func Init(config Config) {
	Logger = New(config, nil)
}

// InitFromEnv 读取 BRIGHTLENS_LOG_LEVEL、BRIGHTLENS_LOG_FORMAT，
// 未设置时退回 LOG_LEVEL、LOG_FORMAT
func InitFromEnv() {
	config := Config{
		Level:  lookupEnv("LOG_LEVEL", "info"),
		Format: lookupEnv("LOG_FORMAT", "text"),
		Output: lookupEnv("LOG_OUTPUT", "stdout"),
	}
	if os.Getenv("DEBUG") == "1" {
		config.Level = "debug"
	}
	Init(config)
}

func lookupEnv(key, fallback string) string {
	for _, k := range []string{"BRIGHTLENS_" + key, key} {
		if v, ok := os.LookupEnv(k); ok && v != "" {
			return v
		}
	}
	return fallback
}

// GetLogger 返回进程级日志器，必要时从环境变量初始化
func GetLogger() *logrus.Logger {
	once.Do(func() {
		if Logger == nil {
			InitFromEnv()
		}
	})
	return Logger
}

// WithComponent 带 component 字段的日志条目
func WithComponent(component string) *logrus.Entry {
	return GetLogger().WithField("component", component)
}

// Discard 丢弃全部输出，测试用
func Discard() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}
