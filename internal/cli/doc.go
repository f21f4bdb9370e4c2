// Package cli реализует инструмент командной строки Conveyor.
//
// CLI работает через HTTP API и не импортирует внутренние пакеты системы:
// типы ответов продублированы в client.go.
//
// Cobra-команды организованы по ресурсам:
//   - pipeline: list, create, validate, show, delete
//   - flow: list, create, show, delete, run, activate, deactivate,
//     reschedule, next-run, intervals
//   - job: list, stuck, show, packets, retry, fail
//   - handler: list
//
// Каждая группа создаётся фабричной функцией (NewFlowCmd и т.д.),
// принимающей clientFn и outputFn — замыкания для ленивого создания
// Client и Output после парсинга PersistentFlags.
//
// Данные выводятся в stdout (таблица или JSON с --json), сообщения — в stderr:
//
//	conveyor job list --status failed --json | jq '.[].job_id'
package cli
