package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/ctxutil"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/envutil"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/logger"
)

// gormLog sends gorm's query log through the service logger so slow
// queries carry the request's trace id.
type gormLog struct {
	log   *logger.Logger
	level gormLogger.LogLevel
	slow  time.Duration
}

func newGormLogger(log *logger.Logger) gormLogger.Interface {
	level := gormLogger.Warn
	switch envutil.String("DB_LOG_LEVEL", "warn") {
	case "silent":
		level = gormLogger.Silent
	case "error":
		level = gormLogger.Error
	case "info":
		level = gormLogger.Info
	}
	return &gormLog{
		log:   log.With("component", "gorm"),
		level: level,
		slow:  envutil.Duration("DB_SLOW_QUERY_THRESHOLD", time.Second),
	}
}

func (g *gormLog) LogMode(level gormLogger.LogLevel) gormLogger.Interface {
	cp := *g
	cp.level = level
	return &cp
}

func (g *gormLog) Info(ctx context.Context, msg string, args ...interface{}) {
	if g.level >= gormLogger.Info {
		g.with(ctx).Info(fmt.Sprintf(msg, args...))
	}
}

func (g *gormLog) Warn(ctx context.Context, msg string, args ...interface{}) {
	if g.level >= gormLogger.Warn {
		g.with(ctx).Warn(fmt.Sprintf(msg, args...))
	}
}

func (g *gormLog) Error(ctx context.Context, msg string, args ...interface{}) {
	if g.level >= gormLogger.Error {
		g.with(ctx).Error(fmt.Sprintf(msg, args...))
	}
}

func (g *gormLog) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if g.level <= gormLogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && g.level >= gormLogger.Error && !errors.Is(err, gorm.ErrRecordNotFound):
		sql, rows := fc()
		g.with(ctx).Error("query failed", "sql", sql, "rows", rows, "elapsed_ms", elapsed.Milliseconds(), "error", err)
	case g.slow > 0 && elapsed > g.slow && g.level >= gormLogger.Warn:
		sql, rows := fc()
		g.with(ctx).Warn("slow query", "sql", sql, "rows", rows, "elapsed_ms", elapsed.Milliseconds())
	case g.level >= gormLogger.Info:
		sql, rows := fc()
		g.with(ctx).Debug("query", "sql", sql, "rows", rows, "elapsed_ms", elapsed.Milliseconds())
	}
}

func (g *gormLog) with(ctx context.Context) *logger.Logger {
	if td := ctxutil.GetTraceData(ctx); td != nil && td.TraceID != "" {
		return g.log.With("trace_id", td.TraceID)
	}
	return g.log
}
