package loadjob

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	vegeta "github.com/tsenart/vegeta/v12/lib"
)

// Attacker loads a single url and returns its mean latency in seconds.
type Attacker interface {
	Attack(ctx context.Context, url string) (float64, error)
}

type VegetaAttacker struct {
	rate     vegeta.Rate
	duration time.Duration
	timeout  time.Duration
}

// NewVegetaAttacker returns an attacker sending rate GET requests per second for duration.
func NewVegetaAttacker(rate int, duration time.Duration, timeout time.Duration) *VegetaAttacker {
	if timeout <= 0 {
		timeout = vegeta.DefaultTimeout
	}
	return &VegetaAttacker{
		rate:     vegeta.Rate{Freq: rate, Per: time.Second},
		duration: duration,
		timeout:  timeout,
	}
}

// Attack fails if any request fails, so that a broken endpoint can't report a flattering latency.
func (a *VegetaAttacker) Attack(ctx context.Context, url string) (float64, error) {
	targeter := vegeta.NewStaticTargeter(vegeta.Target{Method: "GET", URL: url})
	attacker := vegeta.NewAttacker(vegeta.Timeout(a.timeout))

	metrics := vegeta.Metrics{}
	results := attacker.Attack(targeter, a.rate, a.duration, url)
	for {
		select {
		case res, ok := <-results:
			if !ok {
				metrics.Close()
				return latency(url, &metrics)
			}
			metrics.Add(res)
		case <-ctx.Done():
			attacker.Stop()
			for range results {
			}
			return 0, errors.WithStack(ctx.Err())
		}
	}
}

func latency(url string, metrics *vegeta.Metrics) (float64, error) {
	if metrics.Requests == 0 {
		return 0, errors.Errorf("no requests were sent to %s", url)
	}
	if metrics.Success < 1 {
		return 0, errors.Errorf(
			"%.0f%% of requests to %s failed: %s",
			(1-metrics.Success)*100, url, strings.Join(metrics.Errors, "; "),
		)
	}
	return metrics.Latencies.Mean.Seconds(), nil
}
