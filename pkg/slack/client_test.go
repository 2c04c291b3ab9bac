package slack

import (
	"context"
	"testing"

	goslack "github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "lowercase",
			input:    "Plumber Visit THURSDAY",
			expected: "plumber visit thursday",
		},
		{
			name:     "collapse whitespace",
			input:    "plumber   visit\t\ton\n\nthursday",
			expected: "plumber visit on thursday",
		},
		{
			name:     "trim",
			input:    "  hello  ",
			expected: "hello",
		},
		{
			name:     "empty string",
			input:    "",
			expected: "",
		},
		{
			name:     "mixed case and whitespace",
			input:    "  Re:   School   pickup   Friday  ",
			expected: "re: school pickup friday",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, normalizeText(tt.input))
		})
	}
}

func TestCollectMessageText(t *testing.T) {
	tests := []struct {
		name     string
		msg      goslack.Message
		expected string
	}{
		{
			name: "text only",
			msg: goslack.Message{
				Msg: goslack.Msg{Text: "hello household"},
			},
			expected: "hello household",
		},
		{
			name: "text with attachment text",
			msg: goslack.Message{
				Msg: goslack.Msg{
					Text: "reminder",
					Attachments: []goslack.Attachment{
						{Text: "bins go out tonight"},
					},
				},
			},
			expected: "reminder bins go out tonight",
		},
		{
			name: "attachment with both text and fallback",
			msg: goslack.Message{
				Msg: goslack.Msg{
					Attachments: []goslack.Attachment{
						{Text: "att text", Fallback: "att fallback"},
					},
				},
			},
			expected: "att text att fallback",
		},
		{
			name:     "empty message",
			msg:      goslack.Message{},
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, collectMessageText(tt.msg))
		})
	}
}

func TestFindThreadBySubject(t *testing.T) {
	api, client := newFakeSlackAPI(t)
	api.setHistory(`{"ok": true, "messages": [
		{"type": "message", "text": "unrelated chatter", "ts": "1724.0001"},
		{"type": "message", "text": "Re: PLUMBER   visit", "ts": "1724.0042"}
	], "has_more": false}`)

	ts, err := client.FindThreadBySubject(context.Background(), "C042HOUSE", "plumber visit")
	require.NoError(t, err)
	assert.Equal(t, "1724.0042", ts)
}

func TestFindThreadBySubjectNoMatch(t *testing.T) {
	_, client := newFakeSlackAPI(t)

	ts, err := client.FindThreadBySubject(context.Background(), "C042HOUSE", "never mentioned")
	require.NoError(t, err)
	assert.Empty(t, ts)
}

func TestFindThreadBySubjectEmptySubjectSkipsLookup(t *testing.T) {
	api, client := newFakeSlackAPI(t)

	ts, err := client.FindThreadBySubject(context.Background(), "C042HOUSE", "   ")
	require.NoError(t, err)
	assert.Empty(t, ts)
	assert.Zero(t, api.historyCalls(), "blank subject must not hit the API")
}
