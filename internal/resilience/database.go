package resilience

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"shopfloor-telemetry/internal/config"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// HealthStats 连接池与连接状态
type HealthStats struct {
	Connected       bool          `json:"connected"`
	MaxOpen         int           `json:"maxOpenConnections"`
	OpenConnections int           `json:"openConnections"`
	InUse           int           `json:"inUse"`
	Idle            int           `json:"idle"`
	WaitCount       int64         `json:"waitCount"`
	WaitDuration    time.Duration `json:"waitDuration"`
	Reconnects      int64         `json:"reconnects"`
}

// DB 数据库封装：连接状态 + 瞬时错误单次重连重试
type DB struct {
	db          *sql.DB
	logger      *zap.Logger
	pingTimeout time.Duration

	connected  atomic.Bool
	reconnects atomic.Int64
}

// NewDB wraps an existing *sql.DB (sqlmock in tests).
func NewDB(db *sql.DB, logger *zap.Logger, pingTimeout time.Duration) *DB {
	if pingTimeout <= 0 {
		pingTimeout = 2 * time.Second
	}
	d := &DB{db: db, logger: logger, pingTimeout: pingTimeout}
	d.connected.Store(true)
	return d
}

// OpenPostgres 创建PostgreSQL数据库连接。Ping 失败时仍返回可用的封装
// （标记为未连接），后续查询会在重试中重连。
func OpenPostgres(cfg *config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	db, err := sql.Open("postgres", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.MaxIdle)
	}

	d := NewDB(db, logger, cfg.PingTimeout)
	if err := d.Ping(context.Background()); err != nil {
		logger.Warn("Database not reachable at startup, continuing degraded",
			zap.String("host", cfg.Host),
			zap.Error(err),
		)
	}
	return d, nil
}

// Do runs op against the pool. A transient failure triggers one reconnect
// and one retry; if that fails too the error matches ErrServiceUnavailable.
func (d *DB) Do(ctx context.Context, op func(ctx context.Context, q Querier) error) error {
	err := op(ctx, d.db)
	if err == nil {
		d.connected.Store(true)
		return nil
	}
	if !IsTransient(err) {
		return err
	}

	d.connected.Store(false)
	d.logger.Warn("Transient database error, reconnecting", zap.Error(err))
	if perr := d.Ping(ctx); perr != nil {
		return unavailable(fmt.Errorf("reconnect failed: %v (original: %w)", perr, err))
	}
	d.reconnects.Add(1)

	if err = op(ctx, d.db); err != nil {
		if IsTransient(err) {
			d.connected.Store(false)
			return unavailable(err)
		}
		return err
	}
	return nil
}

// Tx runs op inside a transaction with the same retry policy as Do.
func (d *DB) Tx(ctx context.Context, op func(ctx context.Context, tx *sql.Tx) error) error {
	return d.Do(ctx, func(ctx context.Context, _ Querier) error {
		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := op(ctx, tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

// Ping probes the connection with a bounded timeout and updates the flag.
func (d *DB) Ping(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, d.pingTimeout)
	defer cancel()
	if err := d.db.PingContext(pctx); err != nil {
		d.connected.Store(false)
		return err
	}
	d.connected.Store(true)
	return nil
}

// Connected 当前连接状态
func (d *DB) Connected() bool { return d.connected.Load() }

// Stats 连接池统计（健康检查用）
func (d *DB) Stats() HealthStats {
	s := d.db.Stats()
	return HealthStats{
		Connected:       d.connected.Load(),
		MaxOpen:         s.MaxOpenConnections,
		OpenConnections: s.OpenConnections,
		InUse:           s.InUse,
		Idle:            s.Idle,
		WaitCount:       s.WaitCount,
		WaitDuration:    s.WaitDuration,
		Reconnects:      d.reconnects.Load(),
	}
}

// Close 关闭数据库连接
func (d *DB) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

// IsTransient classifies connection-level failures worth one reconnect.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		// class 08: connection exception; 57P0x: server shutting down; 53300: too many connections
		return strings.HasPrefix(code, "08") || strings.HasPrefix(code, "57P0") || code == "53300"
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection reset", "connection refused", "broken pipe", "connection not found", "bad connection"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
