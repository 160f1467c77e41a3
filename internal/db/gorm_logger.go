package db

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/labgrid-project/labgrid-go/internal/logging"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// gormJSONLogger forwards GORM's output to the structured logger. SQL text
// is summarised to operation+table; parameters never reach the log.
type gormJSONLogger struct {
	l     logging.Logger
	level logger.LogLevel
}

func newGormLogger(l logging.Logger, lvl logger.LogLevel) *gormJSONLogger {
	return &gormJSONLogger{l: l, level: lvl}
}

func (g *gormJSONLogger) LogMode(l logger.LogLevel) logger.Interface { g.level = l; return g }

func (g *gormJSONLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if g.level < logger.Info {
		return
	}
	g.l.Info("gorm", "msg", msg, "args", data)
}

func (g *gormJSONLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if g.level < logger.Warn {
		return
	}
	g.l.Warn("gorm", "msg", msg, "args", data)
}

func (g *gormJSONLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if g.level < logger.Error {
		return
	}
	g.l.Error("gorm", "msg", msg, "args", data)
}

// Trace logs each SQL statement with duration and rows affected.
func (g *gormJSONLogger) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if g.level <= 0 {
		return // silent
	}
	sql, rows := fc()
	dur := time.Since(begin)
	op, table := summarizeSQL(sql)
	fields := []any{"op", op, "table", table, "rows", rows, "durationMs", float64(dur) / 1e6}
	if err != nil {
		// record-not-found is an expected lookup miss, not an error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fields = append(fields, "notFound", true)
			if g.level >= logger.Info {
				g.l.Debug("gorm_sql", fields...)
			}
			return
		}
		fields = append(fields, "error", err.Error())
		if g.level >= logger.Error {
			g.l.Error("gorm_sql", fields...)
		}
		return
	}
	if g.level >= logger.Info {
		g.l.Debug("gorm_sql", fields...)
	}
}

// summarizeSQL returns a masked summary like ("SELECT", "places") without
// parameters.
func summarizeSQL(sql string) (op string, table string) {
	q := strings.ToUpper(strings.Join(strings.Fields(sql), " "))
	parts := strings.Fields(q)
	if len(parts) == 0 {
		return "", ""
	}
	op = parts[0]
	s := q
	switch {
	case strings.HasPrefix(s, "UPDATE "):
		s = s[len("UPDATE "):]
	case strings.HasPrefix(s, "INSERT INTO "):
		s = s[len("INSERT INTO "):]
	case strings.HasPrefix(s, "DELETE FROM "):
		s = s[len("DELETE FROM "):]
	default:
		if idx := strings.Index(s, " FROM "); idx >= 0 {
			s = s[idx+6:]
		}
	}
	ws := strings.Fields(s)
	if len(ws) > 0 {
		table = strings.Trim(ws[0], "`\"")
	}
	return op, strings.ToLower(table)
}
