// Package pushover sends fix-loop outcomes to a phone through the Pushover
// message API.
package pushover

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agusx1211/gonogo/internal/config"
	"github.com/agusx1211/gonogo/internal/progress"
)

const (
	defaultAPIURL = "https://api.pushover.net/1/messages.json"

	// MaxTitleLen is the maximum length for a Pushover notification title.
	MaxTitleLen = 250

	// MaxMessageLen is the maximum length for a Pushover notification message.
	MaxMessageLen = 1024
)

// Priority levels for Pushover notifications.
const (
	PriorityLow    = -1
	PriorityNormal = 0
	PriorityHigh   = 1
)

// ErrNotConfigured is returned by Send when credentials are missing.
var ErrNotConfigured = errors.New("pushover not configured: set GONOGO_PUSHOVER_USER_KEY and GONOGO_PUSHOVER_APP_TOKEN")

// Message is a notification to send.
type Message struct {
	Title    string
	Body     string
	Priority int
	URL      string
}

type response struct {
	Status  int      `json:"status"`
	Request string   `json:"request"`
	Errors  []string `json:"errors,omitempty"`
}

// Client posts messages with a fixed set of credentials.
type Client struct {
	cfg    config.PushoverConfig
	apiURL string
	http   *http.Client
}

// New returns a client for cfg. apiURL may be empty for the public endpoint.
func New(cfg config.PushoverConfig, apiURL string) *Client {
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	return &Client{cfg: cfg, apiURL: apiURL, http: &http.Client{Timeout: 15 * time.Second}}
}

// Send posts msg.
func (c *Client) Send(ctx context.Context, msg Message) error {
	if !c.cfg.Configured() {
		return ErrNotConfigured
	}

	form := url.Values{
		"token":    {c.cfg.AppToken},
		"user":     {c.cfg.UserKey},
		"title":    {truncate(msg.Title, MaxTitleLen)},
		"message":  {truncate(msg.Body, MaxMessageLen)},
		"priority": {fmt.Sprintf("%d", msg.Priority)},
	}
	if msg.URL != "" {
		form.Set("url", msg.URL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("building pushover request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sending pushover notification: %w", err)
	}
	defer resp.Body.Close()

	var result response
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding pushover response: %w", err)
	}
	if result.Status != 1 {
		return fmt.Errorf("pushover API error: %s", strings.Join(result.Errors, "; "))
	}
	return nil
}

// LoopSummary builds the notification for a finished loop.
func LoopSummary(siteURL string, s progress.Summary) Message {
	msg := Message{Priority: PriorityNormal}
	switch {
	case s.Error != "":
		msg.Title = "gonogo: fix loop failed"
		msg.Priority = PriorityHigh
	case s.Stopped:
		msg.Title = "gonogo: fix loop stopped"
	default:
		msg.Title = "gonogo: fix loop finished"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n%d cycle(s), %d finding(s) resolved, $%.2f spent", siteURL, s.CyclesCompleted, s.TotalResolved, s.TotalCostUSD)
	if s.FinalScore != nil {
		fmt.Fprintf(&b, "\nscore %.0f", *s.FinalScore)
		if s.ScoreDelta != nil {
			fmt.Fprintf(&b, " (%+.0f)", *s.ScoreDelta)
		}
	}
	if s.FinalVerdict != "" {
		fmt.Fprintf(&b, "\nverdict %s", s.FinalVerdict)
	}
	if s.FixBranch != "" {
		fmt.Fprintf(&b, "\nreview branch %s", s.FixBranch)
	}
	if s.Error != "" {
		fmt.Fprintf(&b, "\nerror: %s", s.Error)
	}
	msg.Body = b.String()
	return msg
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
