// Package archival periodically exports the ledger tables (positions,
// completed_trades, copied_trades, decision_logs, notifications) to an
// S3-compatible object store for off-box audit durability. It is the only
// component that reads archive_checkpoints: each table's watermark is the
// SQLite rowid of the last row shipped, so a restart resumes rather than
// re-uploads.
package archival

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// batchSize bounds how many rows are shipped as a single object per sweep,
// per table, to keep a single archival tick's memory and upload size bounded.
const batchSize = 500

// table describes one ledger table's archival shape: how to read rows past
// a watermark and how to advance it.
type table struct {
	name        string
	selectQuery string // must select the watermark column first, then the row payload columns
	scanRow     func(rows *sql.Rows) (watermark string, payload map[string]any, err error)
}

var tables = []table{
	{
		name: "positions",
		selectQuery: `
			SELECT rowid, user_id, venue, symbol, side, quantity, entry_price, entry_time,
			       stop_loss_price, take_profit_price, mark_price, unrealized_pnl_usd, strategy_id
			FROM positions WHERE rowid > ? ORDER BY rowid LIMIT ?`,
		scanRow: scanPosition,
	},
	{
		name: "completed_trades",
		selectQuery: `
			SELECT rowid, id, user_id, venue, symbol, side, quantity, entry_price, entry_time,
			       exit_price, exit_time, exit_reason, realized_pnl_usd, realized_pnl_pct, strategy_id
			FROM completed_trades WHERE rowid > ? ORDER BY rowid LIMIT ?`,
		scanRow: scanCompletedTrade,
	},
	{
		name: "copied_trades",
		selectQuery: `
			SELECT rowid, id, copy_relationship_id, originator_trade_id, follower_trade_id,
			       symbol, side, originator_notional_usd, follower_notional_usd
			FROM copied_trades WHERE rowid > ? ORDER BY rowid LIMIT ?`,
		scanRow: scanCopiedTrade,
	},
	{
		name: "decision_logs",
		selectQuery: `
			SELECT rowid, id, strategy_id, timestamp, inputs_summary, confidence, threshold, reasons_json, allowed, execution_ran
			FROM decision_logs WHERE rowid > ? ORDER BY rowid LIMIT ?`,
		scanRow: scanDecisionLog,
	},
	{
		name: "notifications",
		selectQuery: `
			SELECT rowid, id, user_id, kind, message, created_at
			FROM notifications WHERE rowid > ? ORDER BY rowid LIMIT ?`,
		scanRow: scanNotification,
	},
}

// Uploader is the subset of *manager.Uploader the archiver depends on.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

type Archiver struct {
	db     *sql.DB
	bucket string
	up     Uploader
	log    zerolog.Logger
}

func New(db *sql.DB, bucket string, client *s3.Client, log zerolog.Logger) *Archiver {
	return &Archiver{
		db:     db,
		bucket: bucket,
		up:     manager.NewUploader(client),
		log:    log.With().Str("component", "archival").Logger(),
	}
}

// RunOnce sweeps every ledger table once, shipping at most batchSize rows
// past each table's checkpoint. Safe to call repeatedly from a cron tick;
// a table with nothing new to ship is a no-op.
func (a *Archiver) RunOnce(ctx context.Context) {
	for _, t := range tables {
		if err := a.archiveTable(ctx, t); err != nil {
			a.log.Error().Err(err).Str("table", t.name).Msg("archival: sweep failed")
		}
	}
}

func (a *Archiver) archiveTable(ctx context.Context, t table) error {
	watermark, err := a.checkpoint(ctx, t.name)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}

	rows, err := a.db.QueryContext(ctx, t.selectQuery, watermark, batchSize)
	if err != nil {
		return fmt.Errorf("query %s: %w", t.name, err)
	}
	defer rows.Close()

	var payloads []map[string]any
	lastWatermark := watermark
	for rows.Next() {
		wm, payload, err := t.scanRow(rows)
		if err != nil {
			return fmt.Errorf("scan %s: %w", t.name, err)
		}
		lastWatermark = wm
		payloads = append(payloads, payload)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(payloads) == 0 {
		return nil
	}

	body, err := msgpack.Marshal(payloads)
	if err != nil {
		return fmt.Errorf("encode %s batch: %w", t.name, err)
	}

	key := fmt.Sprintf("%s/%s-%s.msgpack", t.name, time.Now().UTC().Format("2006/01/02"), lastWatermark)
	if _, err := a.up.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	}); err != nil {
		return fmt.Errorf("upload %s batch: %w", t.name, err)
	}

	if err := a.advanceCheckpoint(ctx, t.name, lastWatermark); err != nil {
		return fmt.Errorf("advance checkpoint: %w", err)
	}

	a.log.Info().Str("table", t.name).Int("rows", len(payloads)).Str("key", key).Msg("archival: shipped batch")
	return nil
}

func (a *Archiver) checkpoint(ctx context.Context, tableName string) (string, error) {
	var watermark string
	err := a.db.QueryRowContext(ctx, `SELECT last_archived_at FROM archive_checkpoints WHERE table_name = ?`, tableName).Scan(&watermark)
	if err == sql.ErrNoRows {
		return "0", nil
	}
	return watermark, err
}

func (a *Archiver) advanceCheckpoint(ctx context.Context, tableName, watermark string) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO archive_checkpoints (table_name, last_archived_at)
		VALUES (?, ?)
		ON CONFLICT (table_name) DO UPDATE SET last_archived_at = excluded.last_archived_at
	`, tableName, watermark)
	return err
}
