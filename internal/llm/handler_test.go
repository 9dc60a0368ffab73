package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeMessagesString(t *testing.T) {
	msgs, err := normalizeMessages("hello")
	assert := assert.New(t)
	assert.NoError(err)
	if assert.Len(msgs, 1) {
		assert.Equal("user", msgs[0].Role)
		assert.Equal("hello", msgs[0].Content)
	}
}

func TestNormalizeMessagesSingleMap(t *testing.T) {
	msgs, err := normalizeMessages(map[string]any{"role": "system", "content": "be terse"})
	assert := assert.New(t)
	assert.NoError(err)
	if assert.Len(msgs, 1) {
		assert.Equal("system", msgs[0].Role)
	}
}

func TestNormalizeMessagesList(t *testing.T) {
	msgs, err := normalizeMessages([]any{
		map[string]any{"role": "system", "content": "be terse"},
		map[string]any{"role": "user", "content": "hi"},
	})
	assert := assert.New(t)
	assert.NoError(err)
	assert.Len(msgs, 2)
}

func TestNormalizeMessagesRejectsUnknownShape(t *testing.T) {
	_, err := normalizeMessages(42)
	assert.Error(t, err)
}

func TestIsTransientError(t *testing.T) {
	assert.True(t, isTransientError(errors.New("429 too many requests")))
	assert.True(t, isTransientError(context.DeadlineExceeded))
	assert.False(t, isTransientError(context.Canceled))
	assert.False(t, isTransientError(errors.New("invalid api key")))
}

func TestBackoffWithJitterStaysBounded(t *testing.T) {
	min := 1 * time.Second
	max := 60 * time.Second
	for attempt := 0; attempt < 10; attempt++ {
		wait := backoffWithJitter(attempt, min, max)
		assert.GreaterOrEqual(t, wait, min)
		assert.LessOrEqual(t, wait, max)
	}
}
