// Package telemetry — логи, метрики и трассировка сервисов Conveyor.
//
// Логгер настраивается один раз в main через SetupLogger и передаётся
// компонентам в Config; ключи job_id, flow_id и pipeline_id добавляются
// хелперами WithJobID/WithFlowID/WithPipelineID. Метрики регистрируются
// через promauto и отдаются каждым бинарником на /metrics. Спаны движка
// создаются из Tracer(); без настроенного SDK они никуда не экспортируются.
package telemetry
