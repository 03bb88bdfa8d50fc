package integrations

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// WebhookOperationPost is the registry name of the outbound webhook operation.
const WebhookOperationPost = "webhook.post"

// SignatureHeader carries the hex HMAC-SHA256 of the request body when a
// signing secret is configured.
const SignatureHeader = "X-Threadgate-Signature"

const maxWebhookResponse = 64 << 10

// WebhookConfig configures outbound webhooks.
type WebhookConfig struct {
	// AllowedHosts restricts destinations. Empty allows any host.
	AllowedHosts []string
	Secret       string
	Timeout      time.Duration
	HTTPClient   *http.Client
}

// WebhookPost sends a JSON body to a URL. Parameters: url, body, headers.
type WebhookPost struct {
	cfg    WebhookConfig
	client *http.Client
}

// NewWebhookPost creates the webhook operation.
func NewWebhookPost(cfg WebhookConfig) *WebhookPost {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &WebhookPost{cfg: cfg, client: client}
}

func (o *WebhookPost) Validate(params map[string]any) error {
	raw, err := stringParam(params, "url", true)
	if err != nil {
		return err
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("parameter \"url\" is not an absolute URL")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	if !o.hostAllowed(u.Hostname()) {
		return fmt.Errorf("host %q is not allowed", u.Hostname())
	}
	if headers, ok := params["headers"]; ok && headers != nil {
		m, ok := headers.(map[string]any)
		if !ok {
			return fmt.Errorf("parameter \"headers\" must be an object")
		}
		for k, v := range m {
			if _, ok := v.(string); !ok {
				return fmt.Errorf("header %q must be a string", k)
			}
		}
	}
	return nil
}

func (o *WebhookPost) hostAllowed(host string) bool {
	if len(o.cfg.AllowedHosts) == 0 {
		return true
	}
	for _, allowed := range o.cfg.AllowedHosts {
		if strings.EqualFold(allowed, host) {
			return true
		}
	}
	return false
}

func (o *WebhookPost) Run(ctx context.Context, params map[string]any) (json.RawMessage, error) {
	if err := o.Validate(params); err != nil {
		return nil, err
	}
	target, _ := stringParam(params, "url", true)

	body, err := json.Marshal(params["body"])
	if err != nil {
		return nil, fmt.Errorf("encode webhook body: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if headers, ok := params["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, v.(string))
		}
	}
	if o.cfg.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(o.cfg.Secret, body))
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()
	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxWebhookResponse))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(excerpt)))
	}
	return json.Marshal(map[string]any{"status": resp.StatusCode})
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
