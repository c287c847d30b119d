package cronrunner

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Switches reports whether a feature switch is on; SystemSettingsService
// implements it.
type Switches interface {
	IsEnabled(ctx context.Context, key string, fallback bool) bool
}

// Job is one scheduled run. Feature gates it when set.
type Job struct {
	Name     string
	Spec     string
	Feature  string
	Fallback bool
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

type Runner struct {
	cron     *cron.Cron
	logger   *zap.Logger
	baseCtx  context.Context
	switches Switches
}

func New(logger *zap.Logger, baseCtx context.Context, switches Switches) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cl := cronLogger{logger: logger}
	return &Runner{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger:   logger,
		baseCtx:  baseCtx,
		switches: switches,
	}
}

func (r *Runner) Add(job Job) (cron.EntryID, error) {
	return r.cron.AddFunc(job.Spec, r.wrap(job))
}

func (r *Runner) wrap(job Job) func() {
	return func() {
		ctx := r.baseCtx
		if ctx.Err() != nil {
			return
		}
		if job.Feature != "" && r.switches != nil && !r.switches.IsEnabled(ctx, job.Feature, job.Fallback) {
			return
		}
		if job.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, job.Timeout)
			defer cancel()
		}
		start := time.Now()
		if err := job.Run(ctx); err != nil {
			r.logger.Warn("cron job failed", zap.String("job", job.Name), zap.Duration("took", time.Since(start)), zap.Error(err))
			return
		}
		r.logger.Debug("cron job done", zap.String("job", job.Name), zap.Duration("took", time.Since(start)))
	}
}

func (r *Runner) Start() {
	r.logger.Info("cron started", zap.Int("jobs", len(r.cron.Entries())))
	r.cron.Start()
}

func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.logger.Info("cron stopped")
}

type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, zap.Any("kv", keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, zap.Error(err), zap.Any("kv", keysAndValues))
}
