package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/smartgate/gate-server-go/internal/repository"
)

const cleanupTimeout = 30 * time.Second

// CleanupJob prunes issuance logs older than the retention period
type CleanupJob struct {
	issuanceLogs repository.IssuanceLogRepository
	retention    time.Duration
	interval     time.Duration
	now          func() time.Time
	done         chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

func NewCleanupJob(
	issuanceLogs repository.IssuanceLogRepository,
	retention time.Duration,
	interval time.Duration,
) *CleanupJob {
	return &CleanupJob{
		issuanceLogs: issuanceLogs,
		retention:    retention,
		interval:     interval,
		now:          time.Now,
		done:         make(chan struct{}),
	}
}

func (j *CleanupJob) Start() {
	j.wg.Add(1)
	go j.run()
	log.Info().
		Dur("interval", j.interval).
		Dur("retention", j.retention).
		Msg("cleanup job started")
}

// Stop signals the loop and waits for an in-flight pass to finish
func (j *CleanupJob) Stop() {
	j.stopOnce.Do(func() {
		close(j.done)
		j.wg.Wait()
		log.Info().Msg("cleanup job stopped")
	})
}

func (j *CleanupJob) run() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.cleanup()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.cleanup()
		}
	}
}

func (j *CleanupJob) cleanup() {
	if j.retention <= 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	cutoff := j.now().Add(-j.retention)
	j.runCleanup(ctx, "issuance logs", func(ctx context.Context) (int64, error) {
		return j.issuanceLogs.DeleteOlderThan(ctx, cutoff)
	})
}

func (j *CleanupJob) runCleanup(ctx context.Context, name string, fn func(context.Context) (int64, error)) {
	count, err := fn(ctx)
	if err != nil {
		log.Error().Err(err).Msgf("failed to cleanup %s", name)
	} else if count > 0 {
		log.Info().Int64("count", count).Msgf("cleaned up %s", name)
	}
}
