package services

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// ErrBatchInProgress は別の一括同期が実行中であることを表す
var ErrBatchInProgress = errors.New("refresh batch already in progress")

// ErrBatchRunnerClosed は停止処理に入ったため新しいバッチを受け付けないことを表す
var ErrBatchRunnerClosed = errors.New("refresh batch runner is closed")

const (
	TriggerStartup  = "startup"
	TriggerSchedule = "schedule"
	TriggerOperator = "operator"
)

// AllRefresher は全ユーザーの同期を実行するもの
type AllRefresher interface {
	RefreshAll(ctx context.Context) (*BatchResult, error)
}

// BatchRunner は一括同期を同時に 1 つまでに制限する
// 実行中のバッチのキャンセル関数もここで持つ
type BatchRunner struct {
	refresher AllRefresher
	notifier  BatchNotifier
	metrics   *Metrics

	mu      sync.Mutex
	running bool
	closed  bool
	trigger string
	cancel  context.CancelFunc
	last    *BatchResult
	lastAt  time.Time
}

func NewBatchRunner(refresher AllRefresher, notifier BatchNotifier, metrics *Metrics) *BatchRunner {
	return &BatchRunner{
		refresher: refresher,
		notifier:  notifier,
		metrics:   metrics,
	}
}

// Run は一括同期を実行して完了まで待つ
// 既に実行中なら待たずに ErrBatchInProgress を返す。Close 後は ErrBatchRunnerClosed
func (b *BatchRunner) Run(ctx context.Context, trigger string) (*BatchResult, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBatchRunnerClosed
	}
	if b.running {
		b.mu.Unlock()
		return nil, ErrBatchInProgress
	}
	runCtx, cancel := context.WithCancel(ctx)
	b.running = true
	b.trigger = trigger
	b.cancel = cancel
	b.mu.Unlock()

	defer func() {
		cancel()
		b.mu.Lock()
		b.running = false
		b.trigger = ""
		b.cancel = nil
		b.mu.Unlock()
	}()

	log.Printf("refresh batch triggered by %s", trigger)
	start := time.Now()
	result, err := b.refresher.RefreshAll(runCtx)
	elapsed := time.Since(start)
	b.metrics.observeBatch(trigger, elapsed)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.last = result
	b.lastAt = time.Now()
	b.mu.Unlock()

	if b.notifier != nil {
		// 通知の失敗はバッチ結果に影響させない
		if err := b.notifier.NotifyBatch(context.WithoutCancel(ctx), trigger, result, elapsed); err != nil {
			log.Printf("failed to notify batch result: %v", err)
		}
	}

	return result, nil
}

// Cancel は実行中のバッチをキャンセルする。実行中でなければ false
func (b *BatchRunner) Cancel() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running || b.cancel == nil {
		return false
	}
	log.Printf("cancel refresh batch triggered by %s", b.trigger)
	b.cancel()
	return true
}

// Close は以降のバッチを拒否し、実行中のバッチをキャンセルする
func (b *BatchRunner) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.running && b.cancel != nil {
		log.Printf("close refresh batch runner, cancel batch triggered by %s", b.trigger)
		b.cancel()
	}
}

// Running は実行中かどうかと、そのトリガーを返す
func (b *BatchRunner) Running() (bool, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running, b.trigger
}

// LastResult は最後に完了したバッチの結果を返す
func (b *BatchRunner) LastResult() (*BatchResult, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last, b.lastAt
}
