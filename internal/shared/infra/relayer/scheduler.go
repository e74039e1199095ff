package relayer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrUnknownJob se devuelve al pedir RunOnce de un job no registrado.
var ErrUnknownJob = errors.New("unknown job")

// Job es una tarea periódica. Schedule es una expresión cron estándar de cinco
// campos ("0 3 * * *"); vacía desactiva el job. Run debe ser idempotente: el
// lock distribuido que tome dentro es quien garantiza que solo un worker la
// ejecuta a la vez.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// Scheduler dispara cada job según su expresión cron hasta que se cancela el contexto.
type Scheduler struct {
	jobs      []Job
	schedules map[string]cron.Schedule
	loc       *time.Location
	log       *zap.Logger
	tracer    trace.Tracer
}

// SchedulerOption configura el scheduler.
type SchedulerOption func(*Scheduler)

// WithLocation fija la zona horaria de las expresiones cron (UTC por defecto).
func WithLocation(loc *time.Location) SchedulerOption {
	return func(s *Scheduler) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// NewScheduler valida las expresiones de todos los jobs.
func NewScheduler(log *zap.Logger, jobs []Job, opts ...SchedulerOption) (*Scheduler, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Scheduler{
		jobs:      jobs,
		schedules: make(map[string]cron.Schedule, len(jobs)),
		loc:       time.UTC,
		log:       log,
		tracer:    otel.Tracer("ordernotify"),
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, job := range jobs {
		if job.Schedule == "" {
			continue
		}
		sched, err := cron.ParseStandard(job.Schedule)
		if err != nil {
			return nil, fmt.Errorf("job %s: invalid schedule %q: %w", job.Name, job.Schedule, err)
		}
		s.schedules[job.Name] = sched
	}
	return s, nil
}

// Next devuelve la próxima ejecución del job después de from, en la zona del scheduler.
func (s *Scheduler) Next(name string, from time.Time) (time.Time, error) {
	sched, ok := s.schedules[name]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return sched.Next(from.In(s.loc)), nil
}

// Start bloquea hasta que ctx se cancela y todos los jobs en curso terminan.
// Si una ejecución sigue en curso cuando toca la siguiente, la nueva se salta.
func (s *Scheduler) Start(ctx context.Context) {
	logger := cronLogger{s.log.Sugar()}
	c := cron.New(
		cron.WithLocation(s.loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	active := 0
	for _, job := range s.jobs {
		sched, ok := s.schedules[job.Name]
		if !ok {
			s.log.Info("⏭️ Job desactivado", zap.String("job", job.Name))
			continue
		}
		job := job
		c.Schedule(sched, cron.FuncJob(func() { _ = s.execute(ctx, job) }))
		active++
		s.log.Info("🗓️ Job programado",
			zap.String("job", job.Name),
			zap.String("schedule", job.Schedule),
			zap.Time("next", sched.Next(time.Now().In(s.loc))),
		)
	}

	c.Start()
	s.log.Info("🚀 Scheduler iniciado", zap.Int("jobs", active))

	<-ctx.Done()
	<-c.Stop().Done()
	s.log.Info("🛑 Scheduler detenido.")
}

// cronLogger adapta zap a la interfaz de logs de cron.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}

// RunOnce ejecuta un job por nombre de forma síncrona (CLI, tests).
func (s *Scheduler) RunOnce(ctx context.Context, name string) error {
	for _, job := range s.jobs {
		if job.Name == name {
			return s.execute(ctx, job)
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownJob, name)
}

// execute nunca propaga un panic del job: el cron debe seguir vivo.
func (s *Scheduler) execute(ctx context.Context, job Job) (err error) {
	ctx, span := s.tracer.Start(ctx, "job."+job.Name, trace.WithAttributes(attribute.String("job.name", job.Name)))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name, r)
			s.log.Error("💥 Panic en job", zap.String("job", job.Name), zap.Any("panic", r))
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	start := time.Now()
	err = job.Run(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.log.Warn("⚠️ Job con error", zap.String("job", job.Name), zap.Duration("took", time.Since(start)), zap.Error(err))
		return err
	}
	s.log.Debug("Job ejecutado", zap.String("job", job.Name), zap.Duration("took", time.Since(start)))
	return nil
}
