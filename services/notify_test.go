package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/h2non/gock"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
)

func TestSlackNotifier_NotifyBatch(t *testing.T) {
	defer gock.Off()

	gock.New("https://slack.com").
		Post("/api/chat.postMessage").
		Reply(200).
		JSON(map[string]interface{}{"ok": true, "channel": "C12345", "ts": "1234.5678"})

	n := NewSlackNotifier("xoxb-test", "C12345")
	result := &BatchResult{UsersRefreshed: 2, Errors: 1, Total: 3,
		Failures: []UserFailure{{Username: "bob", Error: "rate limited"}}}

	err := n.NotifyBatch(context.Background(), TriggerSchedule, result, 90*time.Second)
	assert.NoError(t, err)
	assert.True(t, gock.IsDone(), "すべてのモックが使用されていません")
}

func TestSlackNotifier_SlackError(t *testing.T) {
	defer gock.Off()

	gock.New("https://slack.com").
		Post("/api/chat.postMessage").
		Reply(200).
		JSON(map[string]interface{}{"ok": false, "error": "channel_not_found"})

	n := NewSlackNotifier("xoxb-test", "C_MISSING")
	err := n.NotifyBatch(context.Background(), TriggerOperator, &BatchResult{Total: 1}, time.Second)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "channel_not_found")
	assert.True(t, gock.IsDone(), "すべてのモックが使用されていません")
}

func TestSlackNotifier_NilResult(t *testing.T) {
	n := NewSlackNotifier("xoxb-test", "C12345")
	assert.NoError(t, n.NotifyBatch(context.Background(), TriggerOperator, nil, 0))
}

func TestBatchSummaryText(t *testing.T) {
	text := batchSummaryText(TriggerStartup, &BatchResult{UsersRefreshed: 4, Total: 5, Errors: 1}, 65*time.Second)
	assert.Equal(t, "PR refresh (startup) finished: 4/5 users refreshed, 1 errors, 0 skipped in 1m5s", text)

	text = batchSummaryText(TriggerOperator, &BatchResult{Total: 5, Canceled: true}, time.Second)
	assert.Contains(t, text, "canceled")
}

func TestBatchSummaryBlocks(t *testing.T) {
	tests := []struct {
		name       string
		result     *BatchResult
		wantBlocks int
		wantHeader string
	}{
		{
			name:       "成功",
			result:     &BatchResult{UsersRefreshed: 3, Total: 3},
			wantBlocks: 2,
			wantHeader: "*PR refresh finished*",
		},
		{
			name: "失敗あり",
			result: &BatchResult{UsersRefreshed: 1, Errors: 1, Total: 2,
				Failures: []UserFailure{{Username: "bob", Error: "boom"}}},
			wantBlocks: 3,
			wantHeader: "*PR refresh finished with errors*",
		},
		{
			name:       "キャンセル",
			result:     &BatchResult{Total: 2, Canceled: true},
			wantBlocks: 2,
			wantHeader: "*PR refresh canceled*",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blocks := batchSummaryBlocks(TriggerSchedule, tt.result, time.Minute)
			assert.Len(t, blocks, tt.wantBlocks)
			header, ok := blocks[0].(*slack.SectionBlock)
			assert.True(t, ok)
			assert.Equal(t, tt.wantHeader, header.Text.Text)
		})
	}
}

func TestBatchSummaryBlocks_CapsFailures(t *testing.T) {
	failures := make([]UserFailure, 15)
	for i := range failures {
		failures[i] = UserFailure{Username: fmt.Sprintf("user%d", i), Error: "boom"}
	}
	blocks := batchSummaryBlocks(TriggerSchedule, &BatchResult{Errors: 15, Total: 15, Failures: failures}, time.Minute)

	list := blocks[2].(*slack.SectionBlock)
	assert.Contains(t, list.Text.Text, "`user9`")
	assert.NotContains(t, list.Text.Text, "`user10`")
	assert.Contains(t, list.Text.Text, "...and 5 more")
}
