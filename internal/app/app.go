package app

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"assistd/internal/actions"
	"assistd/internal/backup"
	"assistd/internal/calendar"
	"assistd/internal/channels"
	"assistd/internal/config"
	"assistd/internal/eventbus"
	"assistd/internal/httpapi"
	"assistd/internal/notifications"
	"assistd/internal/notifier"
	"assistd/internal/presence"
	"assistd/internal/rules"
	rtsup "assistd/internal/runtime/supervisor"
	"assistd/internal/sources"
	"assistd/internal/storage"
	"assistd/internal/task/engine"
	"assistd/internal/task/scheduler"
	"assistd/internal/tasks"
	"assistd/pkg/clock"
	logx "assistd/pkg/logx"
)

const (
	presenceJobName = "presence:refresh"
	backupJobName   = "backup:periodic"
)

type App struct {
	cfgPath string
	cfgm    *config.ConfigManager
	sup     *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	engine *engine.Service
	sched  *scheduler.Service
	notif  *notifier.Service

	telegram *channels.Telegram
	mailer   *channels.Mailer
	inbox    *channels.Inbox

	calendar      *calendar.Service
	presence      *presence.Service
	notifications *notifications.Service
	tasks         *tasks.Service
	backup        *backup.Service
	rules         *rules.Service

	feeds   *sources.FeedPoller
	watcher *sources.FileWatcher
	http    *httpapi.Server

	presenceEvery  time.Duration
	backupSchedule string
}

// NewApp loads the config at cfgPath and builds every service. Nothing runs
// until Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return build(cfgPath, cfgm, cfg)
}

// build assumes cfg has passed Validate.
func build(cfgPath string, cfgm *config.ConfigManager, cfg *config.Config) (*App, error) {
	logCfg, _ := mapLogConfig(cfg)
	logSvc, log := logx.New(logCfg)
	comp := func(name string) logx.Logger { return log.With(logx.String("comp", name)) }

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     comp("app"),
		logs:    logSvc,
		bus:     eventbus.New(),
	}

	if sc, enabled, _ := mapStorageConfig(cfg); enabled {
		st, err := storage.Open(sc, comp("storage"))
		if err != nil {
			logSvc.Close()
			return nil, fmt.Errorf("open storage: %w", err)
		}
		a.store = st
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	loc, _ := config.LoadLocation("scheduler.timezone", cfg.Scheduler.Timezone)
	clk := clock.Real()

	engCfg, _ := mapTaskEngineConfig(cfg)
	a.engine = engine.New(engCfg, comp("taskengine"), a.bus)
	schedCfg, _ := mapSchedulerConfig(cfg)
	a.sched = scheduler.New(schedCfg, a.engine, comp("scheduler"))

	// Delivery channels.
	ncfg, _ := mapNotifierConfig(cfg)
	a.notif = notifier.New(ncfg, comp("notifier"), a.bus, a.store)
	a.inbox = channels.NewInbox(0, a.bus)
	a.notif.SetSender(notifier.ChannelInApp, a.inbox)
	logSender := channels.NewLogSender(comp("channel"))
	a.notif.SetSender(notifier.ChannelSMS, logSender)
	a.notif.SetSender(notifier.ChannelVoice, logSender)

	if tcfg, enabled, _ := mapTelegramConfig(cfg); enabled {
		tg, err := channels.NewTelegram(tcfg, comp("telegram"))
		if err != nil {
			a.closeEarly()
			return nil, fmt.Errorf("telegram: %w", err)
		}
		a.telegram = tg
		a.notif.SetSender(notifier.ChannelPush, tg)
		logSvc.SetAlertSink(tg)
	}
	if scfg, enabled, _ := mapSMTPConfig(cfg); enabled {
		m, err := channels.NewMailer(scfg, comp("mailer"))
		if err != nil {
			a.closeEarly()
			return nil, fmt.Errorf("smtp: %w", err)
		}
		a.mailer = m
		a.notif.SetSender(notifier.ChannelEmail, m)
	}

	// Core services.
	calCfg, _ := mapCalendarConfig(cfg)
	a.calendar = calendar.New(calCfg, a.store, comp("calendar"), a.bus,
		calendar.WithClock(clk),
		calendar.WithTimezone(loc),
	)
	a.presence = presence.New(a.calendar, clk, comp("presence"), a.bus)
	a.presenceEvery, _ = mapPresenceRefresh(cfg)

	notifCfg, _ := mapNotificationsConfig(cfg)
	a.notifications = notifications.New(notifCfg, a.store, comp("notifications"), a.bus,
		notifications.WithClock(clk),
		notifications.WithTimer(a.sched),
		notifications.WithContextProvider(a.presence),
		notifications.WithMeetings(a.calendar),
		notifications.WithDeliverer(a.notif),
		notifications.WithTimezone(loc),
	)
	a.tasks = tasks.New(a.store, clk, comp("tasks"), a.bus)

	bcfg, _ := mapBackupConfig(cfg)
	var bopts []backup.Option
	if bcfg.S3.Enabled() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		up, err := backup.NewS3Uploader(ctx, bcfg.S3)
		cancel()
		if err != nil {
			a.log.Warn("s3 backup target unavailable; keeping local archives only", logx.Err(err))
		} else {
			bopts = append(bopts, backup.WithUploader(up))
		}
	}
	a.backup = backup.New(bcfg, a.store, comp("backup"), a.bus, bopts...)
	a.backupSchedule = strings.TrimSpace(cfg.Backup.Schedule)

	httpTimeout, _ := mapActionsTimeout(cfg)
	deps := actions.Deps{
		Notifications: a.notifications,
		Tasks:         a.tasks,
		Calendar:      a.calendar,
		Backup:        a.backup,
		Timer:         a.sched,
		Clock:         clk,
		FileRoot:      cfg.Actions.FileRoot,
		HTTPTimeout:   httpTimeout,
		Log:           comp("actions"),
	}
	if a.mailer != nil {
		deps.Mailer = a.mailer
	}
	rulesCfg, _ := mapRulesConfig(cfg)
	a.rules = rules.New(rulesCfg, actions.Build(deps), a.store, comp("rules"), a.bus,
		rules.WithClock(clk),
		rules.WithScheduler(a.sched),
	)

	// Event sources.
	feeds, _ := mapFeeds(cfg)
	if len(feeds) > 0 {
		a.feeds = sources.NewFeedPoller(feeds, a.rules, a.store, comp("feeds"), a.bus, sources.WithFeedClock(clk))
	}
	if fw, _ := mapFileWatch(cfg); len(fw.Dirs) > 0 {
		a.watcher = sources.NewFileWatcher(fw, a.rules, comp("filewatch"), a.bus)
	}
	if a.telegram != nil {
		a.telegram.OnMessage(a.onTelegram)
	}

	if cfg.HTTP.Enabled {
		hcfg, _ := mapHTTPConfig(cfg)
		a.http = httpapi.New(hcfg, httpapi.Deps{
			Rules:         a.rules,
			Calendar:      a.calendar,
			Notifications: a.notifications,
			Presence:      a.presence,
			Inbox:         a.inbox,
			Tasks:         a.tasks,
			Backup:        a.backup,
		}, comp("http"))
	}
	return a, nil
}

func (a *App) closeEarly() {
	if a.store != nil {
		_ = a.store.Close()
	}
	a.logs.Close()
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return Validate(cfg) })

	if a.telegram != nil {
		a.telegram.Start(run)
	}
	a.notif.Start(run)
	if a.engine.Enabled() {
		a.engine.Start(run)
	}
	if a.sched.Enabled() {
		a.sched.Start(run)
	}

	if err := a.calendar.Load(run); err != nil {
		return fmt.Errorf("calendar: %w", err)
	}
	if err := a.tasks.Load(run); err != nil {
		return fmt.Errorf("tasks: %w", err)
	}
	_ = a.presence.Refresh(run)
	a.schedulePresence()
	if err := a.notifications.Start(run); err != nil {
		return fmt.Errorf("notifications: %w", err)
	}
	if err := a.rules.Start(run); err != nil {
		return fmt.Errorf("rules: %w", err)
	}
	a.scheduleBackup()

	if a.feeds != nil {
		if err := a.feeds.Register(a.sched); err != nil {
			a.log.Warn("feed polling not scheduled", logx.Err(err))
		}
	}
	if a.watcher != nil {
		a.sup.GoRestart("sources.filewatch", a.watcher.Run,
			rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	}
	if a.http != nil {
		if err := a.http.Start(run); err != nil {
			return fmt.Errorf("http: %w", err)
		}
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.dispatch", func(c context.Context) error {
		defer unsub()
		a.dispatchEvents(c, events)
		return nil
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.Bool("http", a.http != nil),
		logx.Bool("telegram", a.telegram != nil),
		logx.Bool("email", a.mailer != nil),
		logx.Bool("feeds", a.feeds != nil),
		logx.Bool("file_watch", a.watcher != nil),
	)
	return nil
}

func (a *App) schedulePresence() {
	if a.presenceEvery <= 0 {
		return
	}
	if _, err := a.sched.AddSchedule(presenceJobName, a.presenceEvery.String(), 10*time.Second, a.presence.Refresh); err != nil {
		a.log.Warn("presence refresh not scheduled", logx.Err(err))
	}
}

func (a *App) scheduleBackup() {
	if a.backupSchedule == "" {
		return
	}
	_, err := a.sched.AddSchedule(backupJobName, a.backupSchedule, 5*time.Minute, func(c context.Context) error {
		_, err := a.backup.Run(c, "scheduled")
		if errors.Is(err, backup.ErrNoStore) {
			return engine.NoRetry(err)
		}
		return err
	})
	if err != nil {
		a.log.Warn("periodic backup not scheduled", logx.Err(err))
	}
}

// onTelegram turns owner chat text into "manual" trigger events.
func (a *App) onTelegram(ctx context.Context, in channels.Inbound) {
	matched := a.rules.EvaluateTriggers(ctx, string(rules.TriggerManual), map[string]any{
		"source":   "telegram",
		"text":     in.Text,
		"chatId":   in.ChatID,
		"fromId":   in.FromID,
		"username": in.Username,
		"at":       in.At,
	})
	a.log.Debug("telegram message handled", logx.Int("matched", len(matched)))
}

// dispatchEvents logs bus traffic and forwards calendar changes to
// "calendar" triggers.
func (a *App) dispatchEvents(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))

			var kind string
			switch e.Type {
			case eventbus.CalendarCreated:
				kind = "created"
			case eventbus.CalendarConflict:
				kind = "conflict"
			default:
				continue
			}
			data := map[string]any{}
			if m, ok := e.Data.(map[string]any); ok {
				maps.Copy(data, m)
			}
			data["kind"] = kind
			a.rules.EvaluateTriggers(ctx, string(rules.TriggerCalendar), data)
		}
	}
}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		var newCfg *config.Config
		select {
		case <-ctx.Done():
			return
		case c, ok := <-sub:
			if !ok {
				return
			}
			newCfg = c
		}
		// coalesce bursts
		for drained := false; !drained; {
			select {
			case newer := <-sub:
				if newer != nil {
					newCfg = newer
				}
			default:
				drained = true
			}
		}

		sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
		lastApplied = newCfg
		if len(sections) == 0 {
			a.log.Info("config reloaded (no changes)")
			continue
		}
		if restart := config.RestartRequired(sections); len(restart) > 0 {
			a.log.Warn("config sections changed that need a restart", logx.Strings("sections", restart))
		}
		a.apply(ctx, newCfg)

		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Info("config reloaded", fields...)
		a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: sections})
	}
}

// apply pushes live-reloadable sections into running services. cfg has
// already passed Validate.
func (a *App) apply(ctx context.Context, cfg *config.Config) {
	if lc, err := mapLogConfig(cfg); err == nil {
		a.logs.Apply(lc)
	}

	prevSched, prevEng := a.sched.Enabled(), a.engine.Enabled()
	engCfg, _ := mapTaskEngineConfig(cfg)
	a.engine.Apply(ctx, engCfg)
	schedCfg, _ := mapSchedulerConfig(cfg)
	a.sched.Apply(schedCfg)

	// scheduler stops before the engine; the engine starts before the scheduler
	stopWithin := func(fn func(context.Context)) {
		c, cancel := context.WithTimeout(ctx, 3*time.Second)
		fn(c)
		cancel()
	}
	if prevSched && !schedCfg.Enabled {
		a.log.Info("scheduler disabled via config")
		stopWithin(a.sched.Stop)
	}
	if prevEng && !engCfg.Enabled {
		a.log.Info("task engine disabled via config")
		stopWithin(a.engine.Stop)
	}
	if !prevEng && engCfg.Enabled {
		a.log.Info("task engine enabled via config")
		a.engine.Start(ctx)
	}
	if !prevSched && schedCfg.Enabled {
		a.log.Info("scheduler enabled via config")
		a.sched.Start(ctx)
	}

	prevNotif := a.notif.Enabled()
	ncfg, _ := mapNotifierConfig(cfg)
	a.notif.Apply(ncfg)
	switch {
	case prevNotif && !ncfg.Enabled:
		a.log.Info("notifier disabled via config")
		stopWithin(a.notif.Stop)
	case !prevNotif && ncfg.Enabled:
		a.log.Info("notifier enabled via config")
		a.notif.Start(ctx)
	}

	rc, _ := mapRulesConfig(cfg)
	a.rules.Apply(rc)
	cc, _ := mapCalendarConfig(cfg)
	a.calendar.Apply(cc)
	nc, _ := mapNotificationsConfig(cfg)
	a.notifications.Apply(nc)

	if every, _ := mapPresenceRefresh(cfg); every != a.presenceEvery {
		a.presenceEvery = every
		a.schedulePresence()
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// step bounds one shutdown step so a stuck component cannot stall the rest.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline",
					logx.String("name", name),
					logx.Duration("took", time.Since(start)),
					logx.Err(err),
				)
			}()
		}
	}
	nop := func(fn func(context.Context)) func(context.Context) error {
		return func(c context.Context) error { fn(c); return nil }
	}

	if a.http != nil {
		step("http", 3*time.Second, a.http.Stop)
	}
	if a.feeds != nil {
		step("feeds", time.Second, func(context.Context) error { a.feeds.Unregister(a.sched); return nil })
	}
	step("rules", time.Second, nop(a.rules.Stop))
	step("notifications", time.Second, nop(a.notifications.Stop))
	step("scheduler", 2*time.Second, nop(a.sched.Stop))
	step("taskengine", 2*time.Second, nop(a.engine.Stop))
	step("notifier", 2*time.Second, nop(a.notif.Stop))
	if a.telegram != nil {
		step("telegram", 2*time.Second, nop(a.telegram.Stop))
	}
	step("supervisor", 2*time.Second, a.sup.Stop)
	if a.store != nil {
		step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	}

	a.log.Info("stopped")
	a.logs.Close()
	return nil
}
