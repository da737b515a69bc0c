package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// BatchTrigger は一括同期を起動するもの
type BatchTrigger interface {
	Run(ctx context.Context, trigger string) (*BatchResult, error)
}

// Scheduler は起動時と定期実行の一括同期を起動する
type Scheduler struct {
	trigger      BatchTrigger
	cron         *cron.Cron
	spec         string
	startupDelay time.Duration
	wg           sync.WaitGroup
}

func NewScheduler(trigger BatchTrigger, spec string, loc *time.Location, startupDelay time.Duration) (*Scheduler, error) {
	if loc == nil {
		loc = time.UTC
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("invalid refresh cron spec %q: %w", spec, err)
	}
	return &Scheduler{
		trigger:      trigger,
		cron:         cron.New(cron.WithLocation(loc)),
		spec:         spec,
		startupDelay: startupDelay,
	}, nil
}

// Start は定期実行を登録し、startupDelay 後に 1 回目のバッチを実行する
// ctx がキャンセルされると実行中のバッチにも伝わる
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.spec, func() {
		s.runBatch(ctx, TriggerSchedule)
	})
	if err != nil {
		return fmt.Errorf("failed to register refresh job: %w", err)
	}
	s.cron.Start()
	log.Printf("refresh scheduled with %q in %s", s.spec, s.cron.Location())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(s.startupDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.runBatch(ctx, TriggerStartup)
		}
	}()

	return nil
}

// Stop は新しい定期実行を止め、実行中のジョブの終了を待つ
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.wg.Wait()
}

func (s *Scheduler) runBatch(ctx context.Context, trigger string) {
	if ctx.Err() != nil {
		return
	}
	_, err := s.trigger.Run(ctx, trigger)
	if errors.Is(err, ErrBatchInProgress) {
		log.Printf("skip %s refresh: another batch is running", trigger)
		return
	}
	if errors.Is(err, ErrBatchRunnerClosed) {
		log.Printf("skip %s refresh: shutting down", trigger)
		return
	}
	if err != nil {
		log.Printf("%s refresh failed: %v", trigger, err)
	}
}
