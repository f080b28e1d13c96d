// Package webhook binds HTTP endpoints to workflows and authenticates the
// requests that hit them.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/dukex/stepflow/pkg/models"
)

var (
	ErrUnauthorized     = errors.New("webhook authentication failed")
	ErrMethodNotAllowed = errors.New("webhook method not allowed")
)

// Request is an incoming webhook call as seen by the trigger manager.
type Request struct {
	Method  string
	Headers http.Header
	Query   map[string]string
	Body    []byte
}

type Trigger struct {
	ID         string
	WorkflowID string
	Endpoint   string
	Method     string
	Auth       *models.WebhookAuth
}

func NewTrigger(id, workflowID string, config *models.WebhookConfig) (*Trigger, error) {
	trigger := &Trigger{
		ID:         id,
		WorkflowID: workflowID,
		Endpoint:   config.Endpoint,
		Method:     strings.ToUpper(config.Method),
		Auth:       config.Auth,
	}

	if trigger.Method == "" {
		trigger.Method = models.DefaultWebhookMethod
	}

	err := trigger.Validate()
	if err != nil {
		return nil, err
	}

	return trigger, nil
}

func (t *Trigger) Validate() error {
	if t.Endpoint == "" {
		return errors.New("webhook trigger endpoint is required")
	}

	if t.Endpoint[0] != '/' {
		return errors.New("webhook trigger endpoint must start with '/'")
	}

	if t.Auth != nil {
		switch t.Auth.Type {
		case models.WebhookAuthBearer, models.WebhookAuthAPIKey, models.WebhookAuthHMAC:
		default:
			return fmt.Errorf("unsupported webhook auth type %q", t.Auth.Type)
		}
	}

	return nil
}

// Accept checks the method and credentials of a request.
func (t *Trigger) Accept(req Request) error {
	if !strings.EqualFold(req.Method, t.Method) {
		return fmt.Errorf("%w: %s, expected %s", ErrMethodNotAllowed, req.Method, t.Method)
	}

	if t.Auth == nil {
		return nil
	}

	credential := req.Headers.Get(t.authHeader())

	switch t.Auth.Type {
	case models.WebhookAuthBearer:
		token, ok := strings.CutPrefix(credential, "Bearer ")
		if !ok || !equal(token, t.Auth.Token) {
			return fmt.Errorf("%w: invalid bearer token", ErrUnauthorized)
		}
	case models.WebhookAuthAPIKey:
		if !equal(credential, t.Auth.Key) {
			return fmt.Errorf("%w: invalid api key", ErrUnauthorized)
		}
	case models.WebhookAuthHMAC:
		if !VerifySignature(t.Auth.Secret, req.Body, credential) {
			return fmt.Errorf("%w: invalid signature", ErrUnauthorized)
		}
	}

	return nil
}

// authHeader names the header carrying the trigger's credential.
func (t *Trigger) authHeader() string {
	if t.Auth == nil {
		return ""
	}

	switch t.Auth.Type {
	case models.WebhookAuthAPIKey:
		if t.Auth.Header != "" {
			return t.Auth.Header
		}

		return models.DefaultAPIKeyHeader
	case models.WebhookAuthHMAC:
		if t.Auth.Header != "" {
			return t.Auth.Header
		}

		return models.DefaultSignatureHeader
	default:
		return "Authorization"
	}
}

// Sign returns the hex HMAC-SHA256 of body, the value VerifySignature expects.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a hex HMAC-SHA256 signature, optionally prefixed
// with "sha256=".
func VerifySignature(secret string, body []byte, signature string) bool {
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")

	given, err := hex.DecodeString(signature)
	if err != nil || len(given) == 0 {
		return false
	}

	expected, _ := hex.DecodeString(Sign(secret, body))

	return hmac.Equal(given, expected)
}

func equal(given, expected string) bool {
	if expected == "" {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(given), []byte(expected)) == 1
}

// Payload builds the trigger data recorded on the run. A JSON body is
// decoded; anything else is kept as a string. Credential headers are left out.
func (t *Trigger) Payload(req Request) map[string]any {
	redacted := []string{"authorization"}
	if header := t.authHeader(); header != "" {
		redacted = append(redacted, strings.ToLower(header))
	}

	headers := make(map[string]any, len(req.Headers))
	for name := range req.Headers {
		if key := strings.ToLower(name); !slices.Contains(redacted, key) {
			headers[key] = req.Headers.Get(name)
		}
	}

	query := make(map[string]any, len(req.Query))
	for k, v := range req.Query {
		query[k] = v
	}

	var body any
	if len(req.Body) > 0 {
		err := json.Unmarshal(req.Body, &body)
		if err != nil {
			body = string(req.Body)
		}
	}

	return map[string]any{
		"trigger_id": t.ID,
		"endpoint":   t.Endpoint,
		"method":     strings.ToUpper(req.Method),
		"headers":    headers,
		"query":      query,
		"body":       body,
	}
}
