package domain

import (
	"time"

	"github.com/google/uuid"
)

// ScheduleStatus — статус расписания flow.
type ScheduleStatus string

const (
	// ScheduleActive — flow запускается по расписанию.
	ScheduleActive ScheduleStatus = "active"

	// ScheduleInactive — расписание выключено, запуск только вручную.
	ScheduleInactive ScheduleStatus = "inactive"
)

// IntervalManual — flow никогда не запускается автоматически.
const IntervalManual = "manual"

// Scheduling — конфигурация расписания flow.
//
// JSON-форма совпадает с тем, что отдаёт API:
//
//	{"interval": "hourly", "status": "active", "last_run_at": "2025-01-01T10:00:00Z"}
type Scheduling struct {
	// Interval — slug интервала (hourly, daily, ...) или "manual".
	Interval string `json:"interval"`

	// Status — active/inactive.
	Status ScheduleStatus `json:"status"`

	// LastRunAt — время последнего срабатывания триггера.
	// Отражает факт срабатывания, а не результат job.
	LastRunAt *time.Time `json:"last_run_at"`
}

// IsManual возвращает true для flow без автоматического запуска.
func (s Scheduling) IsManual() bool {
	return s.Interval == "" || s.Interval == IntervalManual
}

// IsActive возвращает true, если расписание включено.
func (s Scheduling) IsActive() bool {
	return s.Status == ScheduleActive
}

// TriggerPayload — данные, передаваемые при срабатывании триггера.
type TriggerPayload struct {
	FlowID uuid.UUID `json:"flow_id"`
}

// Trigger — повторяющийся триггер в backend'е расписаний.
type Trigger struct {
	// Key — ключ триггера (один триггер на flow).
	Key string `json:"key"`

	Payload TriggerPayload `json:"payload"`

	// Interval — период срабатывания.
	Interval time.Duration `json:"interval"`

	// NextDueAt — время следующего срабатывания.
	NextDueAt time.Time `json:"next_due_at"`
}

// TriggerKey возвращает ключ триггера для flow.
func TriggerKey(flowID uuid.UUID) string {
	return "flow:" + flowID.String()
}
