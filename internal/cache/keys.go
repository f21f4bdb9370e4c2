package cache

import "fmt"

// JobSnapshotKey — ключ снимка финального состояния job.
func JobSnapshotKey(jobID int64) string {
	return fmt.Sprintf("conveyor:job:%d", jobID)
}

// RunLimitKey — ключ счётчика ручных запусков flow.
func RunLimitKey(flowID string) string {
	return fmt.Sprintf("conveyor:ratelimit:run:%s", flowID)
}
