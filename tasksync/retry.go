package tasksync

import (
	"context"
	"time"

	"github.com/golang/glog"
)

type SleepFunction func(ctx context.Context, timeout time.Duration) error

func DefaultRetrySettings() *RetrySettings {
	return &RetrySettings{
		MaxRetries:         5,
		InitialDelay:       1 * time.Second,
		BackoffFactor:      2,
		AuthOutageMaxDelay: 500 * time.Millisecond,
	}
}

// mutations retry only transient failures
func DefaultMutationRetrySettings() *RetrySettings {
	retrySettings := DefaultRetrySettings()
	retrySettings.ShouldRetry = IsTransient
	return retrySettings
}

type RetrySettings struct {
	MaxRetries    int           `yaml:"max_retries"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
	// nil retries every error
	ShouldRetry func(error) bool `yaml:"-"`
	// the first retry after an authentication outage waits at most this long
	AuthOutageMaxDelay time.Duration `yaml:"auth_outage_max_delay"`
	// nil uses a timer that aborts on context done
	Sleep SleepFunction `yaml:"-"`
}

// calls `fn` up to `1 + MaxRetries` times
// returns the last error when retries are exhausted or the error is not retryable
func ExecuteWithRetry[T any](ctx context.Context, fn func(context.Context) (T, error), settings *RetrySettings) (T, error) {
	sleep := settings.Sleep
	if sleep == nil {
		sleep = sleepWithContext
	}

	retries := settings.MaxRetries
	delay := settings.InitialDelay
	for attempt := 0; ; attempt += 1 {
		r, err := fn(ctx)
		if err == nil {
			return r, nil
		}
		if settings.ShouldRetry != nil && !settings.ShouldRetry(err) {
			return r, err
		}
		if retries <= 0 {
			return r, err
		}

		sleepDelay := delay
		if attempt == 0 && IsAuthUnavailable(err) && settings.AuthOutageMaxDelay < sleepDelay {
			sleepDelay = settings.AuthOutageMaxDelay
		}
		glog.V(LogLevelTrace).Infof("[retry]attempt %d failed, retry in %s: %s\n", attempt+1, sleepDelay, err)
		if sleepErr := sleep(ctx, sleepDelay); sleepErr != nil {
			return r, sleepErr
		}

		retries -= 1
		delay = time.Duration(float64(delay) * settings.BackoffFactor)
	}
}

func sleepWithContext(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
