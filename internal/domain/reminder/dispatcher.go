package reminder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"

	"github.com/medclinic/clinic/internal/domain/notification"
)

// Sender delivers one rendered template. *notification.Manager satisfies it.
type Sender interface {
	SendFromTemplate(ctx context.Context, req notification.TemplateSend) (*notification.Notification, error)
}

type DispatcherConfig struct {
	Interval  time.Duration
	BatchSize int
	// RunTimeout bounds one scheduled run.
	RunTimeout time.Duration
	// ClaimLease is how long a claimed reminder stays with its runner before
	// another run may take it over. It must exceed RunTimeout.
	ClaimLease time.Duration
}

// markTimeout bounds a status write. Status writes outlive the batch context
// so a delivered reminder is never left claimable.
const markTimeout = 5 * time.Second

// Dispatcher sends due reminders. Each reminder is marked sent or failed on
// its own; one bad reminder never stops the batch. Failed reminders are
// terminal.
type Dispatcher struct {
	repo      Repository
	sender    Sender
	cfg       DispatcherConfig
	logger    zerolog.Logger
	now       func() time.Time
	runMu     sync.Mutex
	scheduler *gocron.Scheduler
}

func NewDispatcher(repo Repository, sender Sender, cfg DispatcherConfig, logger zerolog.Logger) *Dispatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = cfg.Interval
	}
	if cfg.ClaimLease <= cfg.RunTimeout {
		cfg.ClaimLease = 5 * cfg.RunTimeout
	}
	return &Dispatcher{
		repo:   repo,
		sender: sender,
		cfg:    cfg,
		logger: logger.With().Str("component", "reminders").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// RunOnce processes a single batch of due reminders. Runs of one dispatcher
// never overlap; runs of different dispatchers or processes claim disjoint
// reminders.
func (d *Dispatcher) RunOnce(ctx context.Context) (Summary, error) {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	var sum Summary
	due, err := d.repo.ClaimDue(ctx, d.now(), d.cfg.ClaimLease, d.cfg.BatchSize)
	if err != nil {
		return sum, fmt.Errorf("claim due reminders: %w", err)
	}

	for _, rem := range due {
		if ctx.Err() != nil {
			break
		}
		sum.Processed++

		_, sendErr := d.sender.SendFromTemplate(ctx, notification.TemplateSend{
			TemplateID: rem.TemplateID,
			UserID:     rem.UserID,
			Role:       rem.Role,
			Channel:    rem.Channel,
			Email:      rem.Email,
			Data:       rem.Data,
		})

		log := d.logger.With().Str("reminder_id", rem.ID.String()).Str("template_id", rem.TemplateID).Logger()
		if sendErr != nil {
			sum.Failed++
			log.Warn().Err(sendErr).Msg("reminder failed")
			if err := d.mark(ctx, func(mctx context.Context) error {
				return d.repo.MarkFailed(mctx, rem.ID, sendErr.Error())
			}); err != nil {
				log.Error().Err(err).Msg("mark reminder failed")
			}
			continue
		}

		sum.Sent++
		if err := d.mark(ctx, func(mctx context.Context) error {
			return d.repo.MarkSent(mctx, rem.ID, d.now())
		}); err != nil {
			log.Error().Err(err).Msg("mark reminder sent")
		}
	}

	if sum.Processed > 0 {
		d.logger.Info().Int("processed", sum.Processed).Int("sent", sum.Sent).Int("failed", sum.Failed).Msg("reminder batch done")
	}
	return sum, ctx.Err()
}

func (d *Dispatcher) mark(ctx context.Context, fn func(context.Context) error) error {
	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), markTimeout)
	defer cancel()
	return fn(mctx)
}

// Start schedules RunOnce every configured interval.
func (d *Dispatcher) Start() error {
	if d.scheduler != nil {
		return errors.New("reminder dispatcher already started")
	}
	s := gocron.NewScheduler(time.UTC)
	if _, err := s.Every(d.cfg.Interval).SingletonMode().Do(d.tick); err != nil {
		return fmt.Errorf("schedule reminders: %w", err)
	}
	s.StartAsync()
	d.scheduler = s
	d.logger.Info().Dur("interval", d.cfg.Interval).Int("batch_size", d.cfg.BatchSize).Msg("reminder dispatcher started")
	return nil
}

// Stop halts the schedule. A run in progress finishes first.
func (d *Dispatcher) Stop() {
	if d.scheduler == nil {
		return
	}
	d.scheduler.Stop()
	d.scheduler = nil
}

func (d *Dispatcher) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.RunTimeout)
	defer cancel()
	if _, err := d.RunOnce(ctx); err != nil {
		d.logger.Error().Err(err).Msg("reminder run")
	}
}

func sortBySendAt(rs []*Reminder) {
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].SendAt.Before(rs[j].SendAt) })
}
