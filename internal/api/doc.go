// Package api содержит HTTP API администратора.
//
// Структура:
//   - handler.go          — Handler с DI (хранилища, creator, scheduler, кэш)
//   - routes.go           — chi-маршруты
//   - middleware.go       — middleware (logging, recovery, metrics, bearer auth)
//   - response.go         — унифицированные JSON-ответы и обработка ошибок
//   - dto.go              — Data Transfer Objects (request/response)
//   - pipeline_handler.go — обработчики для /pipelines
//   - flow_handler.go     — обработчики для /flows и ручного запуска
//   - schedule_handler.go — управление расписанием flow
//   - job_handler.go      — обработчики для /jobs
//   - catalog_handler.go  — каталог обработчиков шагов
package api
