package services

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/slack-go/slack"
)

// BatchNotifier は一括同期の結果を通知する
type BatchNotifier interface {
	NotifyBatch(ctx context.Context, trigger string, result *BatchResult, elapsed time.Duration) error
}

// SlackNotifier はバッチ結果を Slack チャンネルに投稿する
type SlackNotifier struct {
	client    *slack.Client
	channelID string
}

func NewSlackNotifier(token, channelID string, options ...slack.Option) *SlackNotifier {
	return &SlackNotifier{
		client:    slack.New(token, options...),
		channelID: channelID,
	}
}

func (n *SlackNotifier) NotifyBatch(ctx context.Context, trigger string, result *BatchResult, elapsed time.Duration) error {
	if result == nil {
		return nil
	}

	_, ts, err := n.client.PostMessageContext(ctx, n.channelID,
		slack.MsgOptionText(batchSummaryText(trigger, result, elapsed), false),
		slack.MsgOptionBlocks(batchSummaryBlocks(trigger, result, elapsed)...),
	)
	if err != nil {
		return fmt.Errorf("failed to post batch summary to slack: %w", err)
	}

	log.Printf("✅ batch summary posted to slack (channel: %s, ts: %s)", n.channelID, ts)
	return nil
}

func batchSummaryText(trigger string, result *BatchResult, elapsed time.Duration) string {
	status := "finished"
	if result.Canceled {
		status = "canceled"
	}
	return fmt.Sprintf("PR refresh (%s) %s: %d/%d users refreshed, %d errors, %d skipped in %s",
		trigger, status, result.UsersRefreshed, result.Total, result.Errors, result.Skipped, elapsed.Round(time.Second))
}

func batchSummaryBlocks(trigger string, result *BatchResult, elapsed time.Duration) []slack.Block {
	header := "*PR refresh finished*"
	if result.Canceled {
		header = "*PR refresh canceled*"
	} else if result.Errors > 0 {
		header = "*PR refresh finished with errors*"
	}

	fields := []*slack.TextBlockObject{
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Trigger*\n%s", trigger), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Duration*\n%s", elapsed.Round(time.Second)), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Refreshed*\n%d / %d", result.UsersRefreshed, result.Total), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Errors*\n%d", result.Errors), false, false),
	}

	blocks := []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, header, false, false), nil, nil),
		slack.NewSectionBlock(nil, fields, nil),
	}

	if len(result.Failures) > 0 {
		lines := make([]string, 0, len(result.Failures))
		for i, f := range result.Failures {
			// Slack の文字数制限に収まるよう先頭だけ載せる
			if i == 10 {
				lines = append(lines, fmt.Sprintf("...and %d more", len(result.Failures)-i))
				break
			}
			lines = append(lines, fmt.Sprintf("• `%s`: %s", f.Username, f.Error))
		}
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, strings.Join(lines, "\n"), false, false), nil, nil))
	}

	return blocks
}
