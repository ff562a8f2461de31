package redpanda

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/trade-capture-engine/internal/domain"
)

func TestIsRetryableConsume(t *testing.T) {
	t.Parallel()
	retryable := []error{
		domain.ErrRateLimited,
		domain.ErrLockTimeout,
		domain.ErrVersionConflict,
		domain.ErrDependencyUnavailable,
		context.DeadlineExceeded,
		fmt.Errorf("op=pipeline: %w", domain.ErrLockTimeout),
	}
	for _, err := range retryable {
		require.True(t, isRetryableConsume(err), err.Error())
	}

	terminal := []error{
		domain.ErrDuplicateDifferentPayload,
		domain.ErrIllegalTransition,
		domain.ErrInvalidArgument,
		errors.New("unclassified"),
	}
	for _, err := range terminal {
		require.False(t, isRetryableConsume(err), err.Error())
	}
}

func TestErrorClass(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err  error
		want string
	}{
		{domain.ErrOutOfOrderTooOld, "OUT_OF_ORDER_TOO_OLD"},
		{domain.ErrGapTooLarge, "GAP_TOO_LARGE"},
		{domain.ErrDuplicateDifferentPayload, "DUPLICATE_DIFFERENT_PAYLOAD"},
		{domain.ErrIllegalTransition, "STATE_ILLEGAL_TRANSITION"},
		{domain.ErrEnrichmentFailed, "ENRICHMENT_FAILED"},
		{domain.ErrInvalidArgument, "VALIDATION_ERROR"},
		{domain.ErrRulesEval, "RULES_EVAL_ERROR"},
		{domain.ErrSerialization, "SERIALIZATION_ERROR"},
		{fmt.Errorf("op=pipeline trade=T-1: %w", domain.ErrGapTooLarge), "GAP_TOO_LARGE"},
		{errors.New("boom"), "PROCESSING_FAILED"},
	}
	for _, c := range cases {
		require.Equal(t, c.want, errorClass(c.err))
	}
}

func TestHeaderValue(t *testing.T) {
	t.Parallel()
	record := &kgo.Record{Headers: []kgo.RecordHeader{
		{Key: "job-id", Value: []byte("job-42")},
		{Key: "retry-failed", Value: []byte("true")},
		{Key: "content-type", Value: []byte("application/json")},
	}}
	require.Equal(t, "job-42", headerValue(record, "job-id"))
	require.Equal(t, "true", headerValue(record, "retry-failed"))
	require.Equal(t, "", headerValue(record, "absent"))
}

func TestNewConsumerMgrRequiresBrokers(t *testing.T) {
	t.Parallel()
	_, err := NewConsumerMgr(ConsumerConfig{}, nil, nil, nil)
	require.Error(t, err)
}
