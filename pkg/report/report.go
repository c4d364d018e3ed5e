// Package report forwards pipeline failures to operators: the log and an
// optional alert webhook.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/spindex/spindex/pkg/pipeline"
)

// LogReporter writes failures to a logrus logger at the level of their kind.
type LogReporter struct {
	Log *logrus.Logger
}

func (r LogReporter) Report(_ context.Context, err error) {
	if err == nil || r.Log == nil {
		return
	}
	kind := pipeline.KindOf(err)
	sev := kind.Severity()
	entry := r.Log.WithFields(logrus.Fields{
		"kind":     string(kind),
		"severity": sev.String(),
	})
	if id := pipeline.PackageIDOf(err); id != "" {
		entry = entry.WithField("package", id)
	}
	entry.Log(sev.Level(), err.Error())
}

// Alert is the JSON body posted to the webhook.
type Alert struct {
	Kind      string    `json:"kind"`
	Severity  string    `json:"severity"`
	PackageID string    `json:"packageId,omitempty"`
	Message   string    `json:"message"`
	Time      time.Time `json:"time"`
}

// WebhookReporter posts each failure as an Alert. Delivery happens on a
// background goroutine; Wait blocks until pending deliveries are done.
type WebhookReporter struct {
	url      string
	client   *retryablehttp.Client
	minLevel pipeline.Severity
	now      func() time.Time
	wg       sync.WaitGroup
	log      pipeline.Logger
}

// WebhookOption configures a WebhookReporter.
type WebhookOption func(*WebhookReporter)

// WithMinSeverity drops failures below s.
func WithMinSeverity(s pipeline.Severity) WebhookOption {
	return func(w *WebhookReporter) { w.minLevel = s }
}

// WithWebhookLogger sets where delivery failures are logged.
func WithWebhookLogger(l pipeline.Logger) WebhookOption {
	return func(w *WebhookReporter) { w.log = pipeline.OrNop(l) }
}

// WithHTTPClient replaces the underlying retrying client.
func WithHTTPClient(c *retryablehttp.Client) WebhookOption {
	return func(w *WebhookReporter) { w.client = c }
}

func NewWebhookReporter(url string, opts ...WebhookOption) *WebhookReporter {
	client := retryablehttp.NewClient()
	client.Logger = log.New(io.Discard, "", 0)
	client.RetryMax = 3
	client.HTTPClient.Timeout = 10 * time.Second

	w := &WebhookReporter{
		url:      url,
		client:   client,
		minLevel: pipeline.SeverityError,
		now:      func() time.Time { return time.Now().UTC() },
		log:      pipeline.NopLogger{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *WebhookReporter) Report(ctx context.Context, err error) {
	if err == nil {
		return
	}
	kind := pipeline.KindOf(err)
	if kind.Severity() < w.minLevel {
		return
	}
	alert := Alert{
		Kind:      string(kind),
		Severity:  kind.Severity().String(),
		PackageID: pipeline.PackageIDOf(err),
		Message:   err.Error(),
		Time:      w.now(),
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		// the batch may be over by the time this runs
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := w.send(sendCtx, alert); err != nil {
			w.log.Warnf("Could not deliver alert: %v", err)
		}
	}()
}

func (w *WebhookReporter) send(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Wait blocks until every queued alert has been sent or has failed.
func (w *WebhookReporter) Wait() {
	w.wg.Wait()
}

// Multi fans a failure out to several reporters.
type Multi []pipeline.Reporter

func (m Multi) Report(ctx context.Context, err error) {
	for _, r := range m {
		if r != nil {
			r.Report(ctx, err)
		}
	}
}
