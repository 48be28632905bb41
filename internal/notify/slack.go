// Package notify posts engine events to Slack. It is an optional surface:
// every method is a no-op on a nil notifier, so callers never guard their
// call sites.
package notify

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

// PosterAPI abstracts the Slack API client for testing.
type PosterAPI interface {
	PostMessage(channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackNotifier posts budget alerts and stage events to a single channel.
// Posting is fire-and-forget: a Slack failure is logged, never propagated.
type SlackNotifier struct {
	api     PosterAPI
	channel string
	logger  zerolog.Logger
}

// NewSlackNotifier creates a notifier for the given channel. Returns nil
// when token or channel are empty, which disables notifications entirely.
func NewSlackNotifier(token, channel string, logger zerolog.Logger) *SlackNotifier {
	if token == "" || channel == "" {
		return nil
	}
	return &SlackNotifier{
		api:     slack.New(token),
		channel: channel,
		logger:  logger.With().Str("component", "notify").Logger(),
	}
}

// BudgetAlert implements ledger.Notifier.
func (n *SlackNotifier) BudgetAlert(projectID string, thresholdPct int, spent, budget float64) {
	if n == nil {
		return
	}
	header := fmt.Sprintf("Budget alert: project %s crossed %d%%", projectID, thresholdPct)
	if thresholdPct >= 100 {
		header = fmt.Sprintf("Budget exceeded: project %s", projectID)
	}
	n.post(budgetBlocks(header, projectID, spent, budget))
}

// StageCompleted announces a passed quality gate.
func (n *SlackNotifier) StageCompleted(projectID, stageID string, score float64, gate string) {
	if n == nil {
		return
	}
	n.post(stageBlocks(projectID, stageID, score, gate))
}

func (n *SlackNotifier) post(blocks []slack.Block) {
	go func() {
		if _, _, err := n.api.PostMessage(n.channel, slack.MsgOptionBlocks(blocks...)); err != nil {
			n.logger.Error().Err(err).Msg("failed to post Slack message")
		}
	}()
}

func budgetBlocks(header, projectID string, spent, budget float64) []slack.Block {
	return []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject("plain_text", header, false, false)),
		slack.NewSectionBlock(nil, []*slack.TextBlockObject{
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Project:*\n%s", projectID), false, false),
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Spend:*\n$%.2f of $%.2f", spent, budget), false, false),
		}, nil),
	}
}

func stageBlocks(projectID, stageID string, score float64, gate string) []slack.Block {
	return []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn",
				fmt.Sprintf(":white_check_mark: *%s* completed *%s* with score %.1f (%s)",
					projectID, stageID, score, gate), false, false),
			nil, nil,
		),
	}
}
