package scheduler

import (
	"fmt"
	"slices"
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
)

// IntervalProjectSchedule — flow наследует расписание проекта.
// Допустим только там, где наследование поддерживается.
const IntervalProjectSchedule = "project_schedule"

// intervals — поддерживаемые интервалы расписания.
var intervals = map[string]time.Duration{
	"every_5_minutes": 5 * time.Minute,
	"hourly":          time.Hour,
	"every_2_hours":   2 * time.Hour,
	"every_4_hours":   4 * time.Hour,
	"qtrdaily":        6 * time.Hour,
	"twicedaily":      12 * time.Hour,
	"daily":           24 * time.Hour,
	"weekly":          7 * 24 * time.Hour,
}

// IntervalDuration возвращает период интервала. false для manual,
// project_schedule и неизвестных slug.
func IntervalDuration(slug string) (time.Duration, bool) {
	d, ok := intervals[slug]
	return d, ok
}

// Intervals возвращает slug'и интервалов по возрастанию периода.
func Intervals() []string {
	out := make([]string, 0, len(intervals))
	for slug := range intervals {
		out = append(out, slug)
	}
	slices.SortFunc(out, func(a, b string) int {
		return int(intervals[a] - intervals[b])
	})
	return out
}

// ValidateInterval проверяет slug интервала.
// manual допустим всегда, project_schedule — только при allowInherit.
func ValidateInterval(slug string, allowInherit bool) error {
	switch {
	case slug == domain.IntervalManual:
		return nil
	case slug == IntervalProjectSchedule && allowInherit:
		return nil
	}
	if _, ok := intervals[slug]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidInterval, slug)
	}
	return nil
}
