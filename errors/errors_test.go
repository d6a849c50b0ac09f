package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name         string
		code         ErrorCode
		wantCategory ErrorCategory
		wantRetry    bool
	}{
		{"timeout", ErrCodeTimeout, CategoryTransient, true},
		{"remote", ErrCodeRemoteDispatch, CategoryTransient, true},
		{"validation", ErrCodeInvalidInput, CategoryPermanent, false},
		{"not_found", ErrCodeNotFound, CategoryPermanent, false},
		{"no_agent", ErrCodeNoAvailableAgent, CategoryPermanent, false},
		{"conflict", ErrCodeCancellationConflict, CategoryPermanent, false},
		{"exhausted", ErrCodeRetriesExhausted, CategoryPermanent, false},
		{"storage", ErrCodeStorage, CategoryInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, "boom")
			assert.Equal(t, tt.code, err.Code())
			assert.Equal(t, tt.wantCategory, err.Category())
			assert.Equal(t, tt.wantRetry, err.Retryable())
			assert.Equal(t, "boom", err.Error())
			assert.False(t, err.Timestamp().IsZero())
		})
	}
}

func TestFromCode(t *testing.T) {
	err := FromCode(ErrCodeNoAvailableAgent)
	assert.Equal(t, "no available agent", err.Error())
	assert.Equal(t, "unknown error", ErrorCode("NOPE").Description())
}

func TestWithRetryableOverride(t *testing.T) {
	err := New(ErrCodeNotFound, "gone", WithRetryable(true))
	assert.True(t, err.Retryable())
	assert.Equal(t, CategoryPermanent, err.Category())
}

func TestMetadataIsCopied(t *testing.T) {
	err := New(ErrCodeInternal, "x", WithMetadata("k", "v"))
	md := err.Metadata()
	md["k"] = "changed"
	assert.Equal(t, "v", err.Metadata()["k"])

	assert.NotNil(t, New(ErrCodeInternal, "x").Metadata())
}

func TestConstructors(t *testing.T) {
	err := NoAvailableAgent("ghost", "analyze_cost")
	assert.Equal(t, ErrCodeNoAvailableAgent, err.Code())
	assert.Equal(t, "ghost", err.Metadata()["agent_type"])
	assert.Contains(t, err.Error(), "analyze_cost")

	nf := TaskNotFound("t-1")
	assert.Equal(t, "t-1", nf.TaskID())

	an := AgentNotFound("a-1", "is unhealthy")
	assert.Equal(t, "a-1", an.AgentID())
	assert.Equal(t, "agent a-1 is unhealthy", an.Error())

	cc := CancellationConflict("t-2", "completed")
	assert.Equal(t, ErrCodeCancellationConflict, cc.Code())
	assert.Equal(t, "completed", cc.Metadata()["status"])

	last := RemoteDispatch("agent returned 500")
	re := RetriesExhausted("t-3", 3, last)
	assert.True(t, Is(re, ErrCodeRetriesExhausted))
	assert.True(t, Is(re, ErrCodeRemoteDispatch))
	assert.False(t, re.Retryable())
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, "nothing"))

	plain := fmt.Errorf("disk full")
	w := Wrap(plain, "save task")
	assert.Equal(t, ErrCodeInternal, w.Code())
	assert.ErrorIs(t, w, plain)
	assert.Equal(t, "save task: disk full", w.Error())

	dl := Wrap(context.DeadlineExceeded, "deliver")
	assert.Equal(t, ErrCodeTimeout, dl.Code())
	assert.True(t, dl.Retryable())

	cancelled := Wrap(context.Canceled, "deliver")
	assert.Equal(t, ErrCodeCanceled, cancelled.Code())
}

func TestWrapPreservesStructure(t *testing.T) {
	inner := RemoteDispatch("connection refused", WithAgentID("agent-1"), WithTaskID("t-1"))
	outer := Wrap(inner, "attempt 2")

	assert.Equal(t, ErrCodeRemoteDispatch, outer.Code())
	assert.Equal(t, "agent-1", outer.AgentID())
	assert.Equal(t, "t-1", outer.TaskID())
	assert.True(t, outer.Retryable())
	assert.Equal(t, "attempt 2: connection refused", outer.Error())
}

func TestWrapWithCode(t *testing.T) {
	assert.Nil(t, WrapWithCode(nil, ErrCodeStorage, "x"))
	err := WrapWithCode(errors.New("eof"), ErrCodeCorruption, "decode task")
	assert.Equal(t, ErrCodeCorruption, err.Code())
	assert.Equal(t, "eof", Cause(err).Error())
}

func TestIsAndCode(t *testing.T) {
	err := fmt.Errorf("submit: %w", Validation("task_type is required"))
	assert.True(t, Is(err, ErrCodeInvalidInput))
	assert.False(t, Is(err, ErrCodeNotFound))
	assert.Equal(t, ErrCodeInvalidInput, Code(err))
	assert.Equal(t, CategoryPermanent, Category(err))

	plain := errors.New("plain")
	assert.False(t, Is(plain, ErrCodeInternal))
	assert.False(t, IsRetryable(plain))
	assert.Equal(t, ErrorCode(""), Code(plain))
	assert.Nil(t, AsDispatchError(plain))
}

func TestJSONRoundtrip(t *testing.T) {
	orig := New(ErrCodeNoAvailableAgent, "no agent",
		WithTaskID("t-9"),
		WithMetadata("agent_type", "cost"),
		WithCause(errors.New("directory empty")))

	data, err := json.Marshal(orig)
	require.NoError(t, err)

	var back Error
	require.NoError(t, json.Unmarshal(data, &back))

	assert.Equal(t, orig.Code(), back.Code())
	assert.Equal(t, orig.Category(), back.Category())
	assert.Equal(t, "no agent", back.Message())
	assert.Equal(t, "t-9", back.TaskID())
	assert.Equal(t, "cost", back.Metadata()["agent_type"])
	assert.Equal(t, "no agent: directory empty", back.Error())
	assert.WithinDuration(t, orig.Timestamp(), back.Timestamp(), 0)
}

func TestRecoverPanic(t *testing.T) {
	assert.Nil(t, RecoverPanic(nil))

	err := RecoverPanic("nil map write")
	assert.Equal(t, ErrCodeInternal, err.Code())
	assert.Equal(t, "panic: nil map write", err.Error())
	assert.Equal(t, "string", err.Metadata()["panic_value"])
}
