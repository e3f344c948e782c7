/**
 * @description
 * Cron scheduling for the settlement engine. Each tick settles the previous
 * UTC day; a run that finds the period already settled or in flight logs and
 * moves on, so overlapping schedules and manual triggers stay safe.
 */

package app

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler owns the cron runner driving periodic settlement.
type Scheduler struct {
	service *Service
	cron    *cron.Cron
}

// NewScheduler registers the settlement job under the given cron expression.
func NewScheduler(service *Service, settlementSpec string) (*Scheduler, error) {
	s := &Scheduler{
		service: service,
		cron:    cron.New(cron.WithLocation(time.UTC)),
	}
	if _, err := s.cron.AddFunc(settlementSpec, s.settlePreviousDay); err != nil {
		return nil, err
	}
	return s, nil
}

// Start launches the cron runner in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	log.Printf("level=info component=scheduler msg=\"started\"")
}

// Stop halts scheduling and waits for a running job to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Printf("level=info component=scheduler msg=\"stopped\"")
}

func (s *Scheduler) settlePreviousDay() {
	periodKey := time.Now().UTC().AddDate(0, 0, -1).Format(periodKeyLayout)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	report, err := s.service.RunSettlement(ctx, periodKey)
	if err != nil {
		if errors.Is(err, ErrAlreadyRunning) || errors.Is(err, ErrConflict) {
			log.Printf("level=info component=scheduler msg=\"period already handled\" period=%s", periodKey)
			return
		}
		log.Printf("level=error component=scheduler msg=\"settlement run failed\" period=%s error=%q", periodKey, err)
		return
	}
	log.Printf("level=info component=scheduler msg=\"settlement run finished\" period=%s transactions=%d payable=%d",
		periodKey, report.Settlement.TransactionCount, report.Settlement.TotalPayable)
}
