package logger

import (
	"os"

	"github.com/fatih/color"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggerConfig конфигурация логгера (повторяет config.LoggerConfig)
type LoggerConfig struct {
	LogLevel    string `yaml:"logLevel"`
	NodeIP      string `yaml:"nodeIP"`
	PodIP       string `yaml:"podIP"`
	ServiceName string `yaml:"serviceName"`
	Format      string `yaml:"format"`
}

// CustomZapLogger обертка над zap.Logger с общими полями сервиса
type CustomZapLogger struct {
	zl *zap.Logger
}

// NewCustomZapLogger создает логгер по конфигурации.
// При nil конфигурации используется уровень info и JSON формат.
func NewCustomZapLogger(cfg *LoggerConfig) *CustomZapLogger {
	if cfg == nil {
		cfg = &LoggerConfig{LogLevel: "info", ServiceName: "apigateway"}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encCfg.EncodeLevel = colorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), parseLevel(cfg.LogLevel))

	fields := []zap.Field{zap.String("service", cfg.ServiceName)}
	if cfg.NodeIP != "" {
		fields = append(fields, zap.String("nodeIP", cfg.NodeIP))
	}
	if cfg.PodIP != "" {
		fields = append(fields, zap.String("podIP", cfg.PodIP))
	}

	return &CustomZapLogger{
		zl: zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).With(fields...),
	}
}

// NewNop возвращает логгер, который ничего не пишет (для тестов)
func NewNop() *CustomZapLogger {
	return &CustomZapLogger{zl: zap.NewNop()}
}

// FromZap оборачивает готовый zap.Logger
func FromZap(zl *zap.Logger) *CustomZapLogger {
	return &CustomZapLogger{zl: zl}
}

func (l *CustomZapLogger) Debug(msg string, fields ...zap.Field) { l.zl.Debug(msg, fields...) }
func (l *CustomZapLogger) Info(msg string, fields ...zap.Field)  { l.zl.Info(msg, fields...) }
func (l *CustomZapLogger) Warn(msg string, fields ...zap.Field)  { l.zl.Warn(msg, fields...) }
func (l *CustomZapLogger) Error(msg string, fields ...zap.Field) { l.zl.Error(msg, fields...) }

// With возвращает дочерний логгер с дополнительными полями
func (l *CustomZapLogger) With(fields ...zap.Field) *CustomZapLogger {
	return &CustomZapLogger{zl: l.zl.With(fields...)}
}

// Sync сбрасывает буферы
func (l *CustomZapLogger) Sync() error {
	return l.zl.Sync()
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

var levelColors = map[zapcore.Level]*color.Color{
	zapcore.DebugLevel: color.New(color.FgCyan),
	zapcore.InfoLevel:  color.New(color.FgGreen),
	zapcore.WarnLevel:  color.New(color.FgYellow),
	zapcore.ErrorLevel: color.New(color.FgRed),
	zapcore.FatalLevel: color.New(color.FgRed, color.Bold),
}

func colorLevelEncoder(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	c, ok := levelColors[l]
	if !ok {
		enc.AppendString(l.CapitalString())
		return
	}
	enc.AppendString(c.Sprint(l.CapitalString()))
}
