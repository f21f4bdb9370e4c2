// Package jobs создаёт job records.
//
// Creator — единственная точка входа для всех триггеров (расписание,
// API, CLI, MCP). Он проверяет конфигурацию, вставляет pending job
// и уведомляет orchestrator через очередь. Job никогда не выполняется
// синхронно в контексте вызывающего.
//
// Не больше одного активного (pending/running) job на flow: это
// гарантирует уникальный частичный индекс, а не проверка в коде.
package jobs
