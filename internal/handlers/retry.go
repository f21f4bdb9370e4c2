package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Ключи настроек повторов HTTP-запросов.
const (
	settingRetryAttempts   = "retry_attempts"
	settingRetryDelayMS    = "retry_delay_ms"
	settingRetryMaxDelayMS = "retry_max_delay_ms"
	settingRetryBackoff    = "retry_backoff"
	settingRetryOnStatus   = "retry_on_status"
)

const (
	backoffExponential = "exponential"
	backoffFixed       = "fixed"

	defaultRetryDelay    = time.Second
	defaultRetryMaxDelay = 30 * time.Second
)

// defaultRetryStatuses — коды, при которых повтор имеет смысл.
var defaultRetryStatuses = []int{429, 502, 503, 504}

// retryPolicy — политика повторов одного HTTP-вызова.
//
// Повтор выполняется внутри шага и укладывается в его таймаут.
type retryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Backoff      string
	OnStatus     []int
}

func parseRetryPolicy(settings map[string]any) retryPolicy {
	p := retryPolicy{
		MaxAttempts:  SettingInt(settings, settingRetryAttempts),
		InitialDelay: defaultRetryDelay,
		MaxDelay:     defaultRetryMaxDelay,
		Backoff:      SettingStringOr(settings, settingRetryBackoff, backoffExponential),
		OnStatus:     SettingIntList(settings, settingRetryOnStatus),
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if ms := SettingInt(settings, settingRetryDelayMS); ms > 0 {
		p.InitialDelay = time.Duration(ms) * time.Millisecond
	}
	if ms := SettingInt(settings, settingRetryMaxDelayMS); ms > 0 {
		p.MaxDelay = time.Duration(ms) * time.Millisecond
	}
	if len(p.OnStatus) == 0 {
		p.OnStatus = defaultRetryStatuses
	}
	return p
}

// shouldRetry решает, стоит ли повторять вызов после err.
// Отмена контекста и не-2xx ответы вне OnStatus не повторяются.
func (p retryPolicy) shouldRetry(err error) bool {
	if err == nil || errors.Is(err, ErrCancelled) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		for _, code := range p.OnStatus {
			if httpErr.StatusCode == code {
				return true
			}
		}
		return false
	}
	return true
}

// delay — пауза перед попыткой attempt+1.
func (p retryPolicy) delay(attempt int) time.Duration {
	d := p.InitialDelay
	if p.Backoff == backoffExponential {
		// InitialDelay * 2^(attempt-1)
		for i := 1; i < attempt; i++ {
			d *= 2
			if d >= p.MaxDelay {
				break
			}
		}
	}
	return min(d, p.MaxDelay)
}

// do выполняет fn с повторами согласно политике.
func (p retryPolicy) do(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if attempt >= p.MaxAttempts || !p.shouldRetry(err) {
			return err
		}

		select {
		case <-time.After(p.delay(attempt)):
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}
	}
}
