package integrations

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/slack-go/slack"
)

// SlackOperationPostMessage is the registry name of the Slack post operation.
const SlackOperationPostMessage = "slack.post_message"

// SlackPoster is the subset of the Slack client used here.
type SlackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

var _ SlackPoster = (*slack.Client)(nil)

// SlackPostMessage posts a message to a channel, optionally as a thread
// reply. Parameters: channel, text, thread_ts.
type SlackPostMessage struct {
	client SlackPoster
}

// NewSlackPostMessage wraps a Slack client.
func NewSlackPostMessage(client SlackPoster) *SlackPostMessage {
	return &SlackPostMessage{client: client}
}

// NewSlackClient builds a bot-token client. apiURL overrides the Slack API
// endpoint when set.
func NewSlackClient(botToken, apiURL string) *slack.Client {
	opts := []slack.Option{}
	if apiURL != "" {
		opts = append(opts, slack.OptionAPIURL(apiURL))
	}
	return slack.New(botToken, opts...)
}

func (o *SlackPostMessage) Validate(params map[string]any) error {
	if _, err := stringParam(params, "channel", true); err != nil {
		return err
	}
	if _, err := stringParam(params, "text", true); err != nil {
		return err
	}
	_, err := stringParam(params, "thread_ts", false)
	return err
}

func (o *SlackPostMessage) Run(ctx context.Context, params map[string]any) (json.RawMessage, error) {
	if err := o.Validate(params); err != nil {
		return nil, err
	}
	channel, _ := stringParam(params, "channel", true)
	text, _ := stringParam(params, "text", true)
	threadTS, _ := stringParam(params, "thread_ts", false)

	options := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if threadTS != "" {
		options = append(options, slack.MsgOptionTS(threadTS))
	}
	postedChannel, timestamp, err := o.client.PostMessageContext(ctx, channel, options...)
	if err != nil {
		return nil, fmt.Errorf("post slack message: %w", err)
	}
	return json.Marshal(map[string]string{
		"channel": postedChannel,
		"ts":      timestamp,
	})
}
