package support

import (
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogOptions controls NewLogger.
type LogOptions struct {
	// Verbosity is the number of -v flags: 0 warn, 1 info, 2 or more debug.
	Verbosity int
	// Debug switches to the zap development config on the console.
	Debug bool
	// File, when set, receives JSON logs through a rotating writer.
	File string
}

// Level maps a -v count to a log level.
func Level(verbosity int) zapcore.Level {
	switch {
	case verbosity <= 0:
		return zapcore.WarnLevel
	case verbosity == 1:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

// NewLogger builds the process logger: a console core on stderr, plus a
// JSON core on opts.File when configured.
func NewLogger(opts LogOptions) *zap.Logger {
	level := zap.NewAtomicLevelAt(Level(opts.Verbosity))
	if opts.Debug {
		level.SetLevel(zapcore.DebugLevel)
	}

	consoleCfg := zap.NewProductionEncoderConfig()
	if opts.Debug {
		consoleCfg = zap.NewDevelopmentEncoderConfig()
	}
	consoleCfg.EncodeLevel = CustomLevelEncoder
	consoleCfg.EncodeTime = SyslogTimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), zapcore.Lock(os.Stderr), level),
	}
	if opts.File != "" {
		cores = append(cores, zapcore.NewCore(fileEncoder(), logWriter(opts.File), level))
	}

	zapOpts := []zap.Option{zap.AddCaller()}
	if opts.Debug {
		zapOpts = append(zapOpts, zap.Development())
	}
	return zap.New(zapcore.NewTee(cores...), zapOpts...)
}

func fileEncoder() zapcore.Encoder {
	return zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		MessageKey:   "message",
		TimeKey:      "time",
		LevelKey:     "level",
		CallerKey:    "caller",
		EncodeLevel:  CustomLevelEncoder,
		EncodeTime:   SyslogTimeEncoder,
		EncodeCaller: zapcore.ShortCallerEncoder,
	})
}

func logWriter(path string) zapcore.WriteSyncer {
	return zapcore.AddSync(&lumberjack.Logger{
		Filename: path,
		MaxSize:  500,
		MaxAge:   30,
	})
}

func SyslogTimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05"))
}

func CustomLevelEncoder(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString("[" + level.CapitalString() + "]")
}
