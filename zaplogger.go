package broker

import "go.uber.org/zap"

// zapLogger adapts a *zap.SugaredLogger to the Logger interface.
type zapLogger struct {
	l *zap.SugaredLogger
}

// NewZapLogger wraps an existing zap logger as a broker Logger. Passing nil
// builds a production zap logger.
func NewZapLogger(z *zap.Logger) Logger {
	if z == nil {
		z, _ = zap.NewProduction()
	}
	return &zapLogger{l: z.Sugar()}
}

func (z *zapLogger) Info(msg string, kv ...any)  { z.l.Infow(msg, kv...) }
func (z *zapLogger) Error(msg string, kv ...any) { z.l.Errorw(msg, kv...) }
func (z *zapLogger) Warn(msg string, kv ...any)  { z.l.Warnw(msg, kv...) }
func (z *zapLogger) Debug(msg string, kv ...any) { z.l.Debugw(msg, kv...) }
