package coordinator

import (
	"context"

	"go.uber.org/zap"
)

// DefaultLogger 在 l 为空时返回丢弃输出的 zap 实现。
func DefaultLogger(l Logger) Logger {
	if l != nil {
		return l
	}
	return zap.NewNop().Sugar()
}

// NewZapLogger 构造生产环境的 zap 日志器，debug 为真时使用开发配置。
func NewZapLogger(debug bool) (*zap.SugaredLogger, error) {
	var (
		l   *zap.Logger
		err error
	)
	if debug {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}

type nopSink struct{}

func (nopSink) Publish(context.Context, Event) error { return nil }
