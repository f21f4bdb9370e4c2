package handlers

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	maxResponseBody    = 10 * 1024 * 1024 // 10 MB
)

// Общие ключи настроек HTTP-обработчиков.
const (
	settingURL             = "url"
	settingMethod          = "method"
	settingHeaders         = "headers"
	settingFollowRedirects = "follow_redirects"
	settingValidateSSL     = "validate_ssl"
	settingTimeoutSec      = "timeout_sec"
)

// httpSettings — распарсенные HTTP-настройки шага.
type httpSettings struct {
	Method          string
	URL             string
	Headers         map[string]string
	FollowRedirects bool
	ValidateSSL     bool
	Timeout         time.Duration
	Retry           retryPolicy
}

func parseHTTPSettings(settings map[string]any, defaultMethod string) httpSettings {
	cfg := httpSettings{
		Method:          strings.ToUpper(SettingStringOr(settings, settingMethod, defaultMethod)),
		URL:             SettingString(settings, settingURL),
		Headers:         SettingStringMap(settings, settingHeaders),
		FollowRedirects: SettingBool(settings, settingFollowRedirects, true),
		ValidateSSL:     SettingBool(settings, settingValidateSSL, true),
		Timeout:         defaultHTTPTimeout,
		Retry:           parseRetryPolicy(settings),
	}
	if sec := SettingInt(settings, settingTimeoutSec); sec > 0 {
		cfg.Timeout = time.Duration(sec) * time.Second
	}
	if cfg.Headers == nil {
		cfg.Headers = make(map[string]string)
	}
	return cfg
}

// client возвращает base, если настройки стандартные, иначе отдельный клиент.
func (c httpSettings) client(base *http.Client) *http.Client {
	if c.FollowRedirects && c.ValidateSSL && c.Timeout == defaultHTTPTimeout && base != nil {
		return base
	}

	var checkRedirect func(*http.Request, []*http.Request) error
	if !c.FollowRedirects {
		checkRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	var transport http.RoundTripper
	if !c.ValidateSSL {
		transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}} //nolint:gosec
	}
	return &http.Client{
		Timeout:       c.Timeout,
		CheckRedirect: checkRedirect,
		Transport:     transport,
	}
}

// do выполняет запрос с повторами и возвращает тело ответа. Не-2xx — *HTTPError.
func (c httpSettings) do(ctx context.Context, client *http.Client, url string, body any) ([]byte, int, error) {
	var (
		data   []byte
		status int
	)
	err := c.Retry.do(ctx, func() error {
		var err error
		data, status, err = c.send(ctx, client, url, body)
		return err
	})
	return data, status, err
}

func (c httpSettings) send(ctx context.Context, client *http.Client, url string, body any) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		data, err := serializeBody(body)
		if err != nil {
			return nil, 0, fmt.Errorf("serialize body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, c.Method, url, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}
		return nil, 0, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return data, resp.StatusCode, &HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(data),
		}
	}
	return data, resp.StatusCode, nil
}

func serializeBody(body any) ([]byte, error) {
	switch v := body.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		return json.Marshal(v)
	}
}
