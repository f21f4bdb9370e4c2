// Package scheduler управляет расписаниями flows.
//
// Scheduler — единственный, кто пишет поля расписания flow. Повторяющиеся
// триггеры хранятся в TriggerBackend (таблица triggers) с ключом по flow,
// поэтому повторная активация не создаёт второй триггер.
//
// Структура:
//   - interval.go    — таблица интервалов и их валидация
//   - scheduler.go   — Activate/Deactivate/Reschedule, Fire и Tick
//   - maintenance.go — периодические задачи: поиск зависших jobs и retention
//
// Использование:
//
//	sched := scheduler.New(scheduler.Config{
//	    Flows:   flowRepo,
//	    Backend: triggerRepo,
//	    Creator: creator,
//	    Logger:  logger,
//	})
//
//	// Вызывается каждый тик (обычно раз в секунду)
//	if err := sched.Tick(ctx); err != nil {
//	    logger.Error("scheduler tick failed", "error", err)
//	}
//
// Leader Election:
//
// Scheduler не реализует leader election самостоятельно.
// Это делается в main.go через pg_try_advisory_lock.
// Tick() и задачи обслуживания вызываются только лидером.
package scheduler
