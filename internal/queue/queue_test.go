package queue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobPayloadRoundTrip(t *testing.T) {
	job := Job{
		TaskID:     "0d9a3e52-1",
		UserID:     42,
		Platform:   "zhihu",
		EnqueuedAt: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC),
	}

	payload, err := json.Marshal(job)
	require.NoError(t, err)

	var decoded Job
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, job, decoded)
}

func TestKeyNamespacing(t *testing.T) {
	assert.Equal(t, "pressline:queue:user:7", userQueueKey(7))
	assert.Equal(t, "pressline:job:abc", jobKey("abc"))
	assert.Equal(t, "pressline:result:abc", resultKey("abc"))
}

func TestBrokerOptionDefaults(t *testing.T) {
	b := NewBroker(nil, Options{})
	assert.Equal(t, time.Hour, b.opts.ResultTTL)
	assert.Equal(t, 24*time.Hour, b.opts.FailureTTL)
	assert.Equal(t, 10*time.Minute, b.opts.JobTimeout)
}
