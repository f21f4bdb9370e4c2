// Package orchestrator допускает pending jobs к выполнению.
//
// Orchestrator отвечает за:
//   - Получение уведомлений job.pending из RabbitMQ
//   - Периодический опрос БД (fallback, если брокер недоступен)
//   - Допуск jobs через gate: не больше jobs.max_concurrent running
//     во всей системе, в порядке создания (FIFO)
//   - Запуск каждого допущенного job в отдельной горутине через Engine
//
// Gate реализован в JobStore.ClaimNext одной транзакцией под advisory lock,
// поэтому потолок соблюдается и при нескольких экземплярах orchestrator.
// Допуск повторяется по каждому уведомлению, тику опроса и завершению job.
package orchestrator
