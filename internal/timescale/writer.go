package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"dn-hedge-bot/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

// PositionRecord is one observed or committed delta position.
type PositionRecord struct {
	Time              time.Time
	Source            string
	SpotQty           float64
	PerpQty           float64
	SpotValueUSD      float64
	PerpValueUSD      float64
	NetDeltaUSD       float64
	DriftPct          float64
	Price             float64
	FundingRateHourly float64
}

// AttemptRecord is the outcome of one execution attempt.
type AttemptRecord struct {
	Time        time.Time
	AttemptID   string
	Mode        string
	Direction   string
	Status      string
	ErrorKind   string
	FillType    string
	BundleID    string
	TxID        string
	FillAmount  float64
	FillPrice   float64
	TipLamports uint64
	FeeUSD      float64
	Latency     time.Duration
	Message     string
}

// Writer is the capital ledger: it persists positions and attempts
// asynchronously and drops records when its queues are full. A nil Writer
// accepts and discards everything.
type Writer struct {
	db          *sql.DB
	log         *zap.Logger
	schema      string
	timeout     time.Duration
	positions   chan PositionRecord
	attempts    chan AttemptRecord
	started     atomic.Bool
	dropPos     atomic.Uint64
	dropAttempt atomic.Uint64
}

func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	w := newWriter(db, cfg, log)
	if err := w.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func newWriter(db *sql.DB, cfg config.TimescaleConfig, log *zap.Logger) *Writer {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{
		db:        db,
		log:       log,
		schema:    schema,
		timeout:   timeout,
		positions: make(chan PositionRecord, queueSize),
		attempts:  make(chan AttemptRecord, queueSize),
	}
}

// Run drains the queues until ctx is done.
func (w *Writer) Run(ctx context.Context) error {
	if w == nil || !w.started.CompareAndSwap(false, true) {
		<-ctx.Done()
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case rec := <-w.positions:
			w.writePosition(ctx, rec)
		case rec := <-w.attempts:
			w.writeAttempt(ctx, rec)
		}
	}
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) RecordPosition(rec PositionRecord) {
	if w == nil {
		return
	}
	select {
	case w.positions <- rec:
	default:
		if w.dropPos.Add(1) == 1 {
			w.log.Warn("timescale position queue full")
		}
	}
}

func (w *Writer) RecordAttempt(rec AttemptRecord) {
	if w == nil {
		return
	}
	select {
	case w.attempts <- rec:
	default:
		if w.dropAttempt.Add(1) == 1 {
			w.log.Warn("timescale attempt queue full")
		}
	}
}

// Dropped reports how many position and attempt records were discarded.
func (w *Writer) Dropped() (positions, attempts uint64) {
	if w == nil {
		return 0, 0
	}
	return w.dropPos.Load(), w.dropAttempt.Load()
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		source TEXT NOT NULL,
		spot_qty DOUBLE PRECISION NOT NULL,
		perp_qty DOUBLE PRECISION NOT NULL,
		spot_value_usd DOUBLE PRECISION NOT NULL,
		perp_value_usd DOUBLE PRECISION NOT NULL,
		net_delta_usd DOUBLE PRECISION NOT NULL,
		drift_pct DOUBLE PRECISION NOT NULL,
		price DOUBLE PRECISION NOT NULL,
		funding_rate_hourly DOUBLE PRECISION NOT NULL
	)`, w.table("delta_positions"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		attempt_id TEXT NOT NULL,
		mode TEXT NOT NULL,
		direction TEXT NOT NULL,
		status TEXT NOT NULL,
		error_kind TEXT NOT NULL,
		fill_type TEXT NOT NULL,
		bundle_id TEXT NOT NULL,
		tx_id TEXT NOT NULL,
		fill_amount DOUBLE PRECISION NOT NULL,
		fill_price DOUBLE PRECISION NOT NULL,
		tip_lamports BIGINT NOT NULL,
		fee_usd DOUBLE PRECISION NOT NULL,
		latency_ms BIGINT NOT NULL,
		message TEXT NOT NULL
	)`, w.table("execution_attempts"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		w.log.Warn("timescale extension ensure failed", zap.Error(err))
		return nil
	}
	for _, name := range []string{"delta_positions", "execution_attempts"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(name))); err != nil {
			w.log.Warn("timescale hypertable create failed", zap.String("table", name), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writePosition(ctx context.Context, rec PositionRecord) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, source, spot_qty, perp_qty, spot_value_usd, perp_value_usd,
		net_delta_usd, drift_pct, price, funding_rate_hourly
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`, w.table("delta_positions"))
	if _, err := w.db.ExecContext(ctx, query,
		rec.Time,
		rec.Source,
		rec.SpotQty,
		rec.PerpQty,
		rec.SpotValueUSD,
		rec.PerpValueUSD,
		rec.NetDeltaUSD,
		rec.DriftPct,
		rec.Price,
		rec.FundingRateHourly,
	); err != nil {
		w.log.Warn("timescale position insert failed", zap.Error(err))
	}
}

func (w *Writer) writeAttempt(ctx context.Context, rec AttemptRecord) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, attempt_id, mode, direction, status, error_kind, fill_type, bundle_id, tx_id,
		fill_amount, fill_price, tip_lamports, fee_usd, latency_ms, message
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`, w.table("execution_attempts"))
	if _, err := w.db.ExecContext(ctx, query,
		rec.Time,
		rec.AttemptID,
		rec.Mode,
		rec.Direction,
		rec.Status,
		rec.ErrorKind,
		rec.FillType,
		rec.BundleID,
		rec.TxID,
		rec.FillAmount,
		rec.FillPrice,
		int64(rec.TipLamports),
		rec.FeeUSD,
		rec.Latency.Milliseconds(),
		rec.Message,
	); err != nil {
		w.log.Warn("timescale attempt insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
