package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/magickw/linkdao-riskmod/riskmod/model"
	"github.com/magickw/linkdao-riskmod/util"
)

// Posts escalations (review and block decisions) to a Slack channel. Other
// decisions are ignored.
type SlackNotifier struct {
	SlackWebhookURL string
	Client          *http.Client
}

var _ Sink = (*SlackNotifier)(nil)

func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		SlackWebhookURL: webhookURL,
		Client:          util.RobustHTTPClient(),
	}
}

type SlackWebhookBody struct {
	Text string `json:"text"`
}

func (n *SlackNotifier) Append(ctx context.Context, rec *Record) error {
	switch rec.Decision.Action {
	case model.ActionReview, model.ActionBlock:
	default:
		return nil
	}
	return n.sendSlackMsg(ctx, slackBody(rec))
}

// Sends a simple slack message to a channel via "incoming webhook".
//
// The slack incoming webhook must be already configured in the slack workplace.
func (n *SlackNotifier) sendSlackMsg(ctx context.Context, msg string) error {
	body, err := json.Marshal(SlackWebhookBody{Text: msg})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.SlackWebhookURL, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Add("Content-Type", "application/json")
	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode != http.StatusOK || string(respBody) != "ok" {
		return fmt.Errorf("failed slack webhook POST request. status=%d", resp.StatusCode)
	}
	return nil
}

func slackBody(rec *Record) string {
	d := &rec.Decision
	header := "⚠️ Moderation Review Needed ⚠️\n"
	if d.Action == model.ActionBlock {
		header = "⛔ Moderation Block ⛔\n"
	}
	msg := header
	msg += fmt.Sprintf("content `%s` / submitter `%s` / decision `%s`\n", d.ContentID, rec.SubmitterID, d.ID)
	if d.Category != nil {
		msg += fmt.Sprintf("Category: `%s` confidence %.2f (threshold %.2f)\n", *d.Category, d.Confidence, d.ThresholdApplied)
	}
	if d.Duration != nil {
		msg += fmt.Sprintf("Duration: `%s`\n", d.Duration.String())
	}
	if rec.Degraded {
		msg += "Trust context was degraded\n"
	}
	if len(d.Reasoning) > 0 {
		msg += fmt.Sprintf("Reasoning: %s\n", strings.Join(d.Reasoning, "; "))
	}
	msg += fmt.Sprintf("Policy: `%s`\n", rec.PolicyVersion)
	return msg
}
