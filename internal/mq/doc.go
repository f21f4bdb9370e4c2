// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Очередь используется только для уведомлений: job уже записан в БД,
// сообщение лишь будит orchestrator. Потерянное сообщение не теряет job —
// orchestrator подхватит его при опросе.
//
// Структура:
//   - connection.go — соединение с RabbitMQ (reconnect, graceful shutdown)
//   - topology.go   — объявление exchanges, queues, bindings
//   - publisher.go  — публикация сообщений
//   - consumer.go   — потребление сообщений
//
// Типы сообщений:
//   - job.pending — новый job ожидает допуска
//
// Exchanges:
//   - conveyor.jobs — события jobs
//   - conveyor.dlq  — dead letter queue
package mq
