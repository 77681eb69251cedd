package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"text/template"
	"time"
)

// Payload describes an event whose relay gave up after exhausting its
// retry budget.
type Payload struct {
	Event    string
	SourceTx string
	LogIndex uint
	Block    uint64
	Attempts int
	Reason   string
}

// Notifier delivers operator alerts.
type Notifier interface {
	Notify(ctx context.Context, payload Payload) error
}

type webhookNotifier struct {
	url    string
	method string
	render *template.Template
	client *http.Client
}

// NewWebhookNotifier builds a generic HTTP notifier. The template renders
// the message text wrapped in a {"text": ...} JSON body, which is accepted
// by plain webhooks and Slack-compatible endpoints alike.
func NewWebhookNotifier(url, method, tmpl string) (Notifier, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook url required")
	}
	if method == "" {
		method = http.MethodPost
	}
	t, err := parseTemplate(tmpl)
	if err != nil {
		return nil, err
	}
	return &webhookNotifier{
		url:    url,
		method: strings.ToUpper(method),
		render: t,
		client: &http.Client{Timeout: 8 * time.Second},
	}, nil
}

func (n *webhookNotifier) Notify(ctx context.Context, payload Payload) error {
	var buf bytes.Buffer
	if err := n.render.Execute(&buf, payload); err != nil {
		return fmt.Errorf("render template: %w", err)
	}
	body, err := json.Marshal(map[string]string{"text": buf.String()})
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, n.method, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify http status %d", resp.StatusCode)
	}
	return nil
}

func parseTemplate(tmpl string) (*template.Template, error) {
	if tmpl == "" {
		tmpl = "RELAY GIVE-UP {{.Event}} {{.SourceTx}}#{{.LogIndex}} block {{.Block}} after {{.Attempts}} attempts: {{.Reason}}"
	}
	funcs := template.FuncMap{
		"short_hash": func(h string) string {
			if len(h) <= 10 {
				return h
			}
			return h[:6] + "..." + h[len(h)-4:]
		},
	}
	return template.New("msg").Funcs(funcs).Parse(tmpl)
}
