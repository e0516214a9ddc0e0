package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"foliochat/internal/pkg/errs"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name    string
		op      Op
		status  int
		code    int
		message string
		cause   error
		want    Kind
	}{
		{"deadline", OpHistory, 0, 0, "", context.DeadlineExceeded, KindTimeout},
		{"wrapped deadline", OpInsert, 0, 0, "", fmt.Errorf("post: %w", context.DeadlineExceeded), KindTimeout},
		{"rate limit code", OpInsert, http.StatusTooManyRequests, errs.ErrRateLimitExceeded, "slow down", nil, KindRateLimited},
		{"rate limit status", OpOTP, http.StatusTooManyRequests, 0, "", nil, KindRateLimited},
		{"bad api key", OpHistory, http.StatusUnauthorized, errs.ErrInvalidAPIKey, "", nil, KindConfigurationMissing},
		{"provider code", OpOAuth, http.StatusBadRequest, errs.ErrProviderNotEnabled, "", nil, KindProviderUnavailable},
		{"deleted client text", OpOAuth, http.StatusBadRequest, 0, "Error 401: deleted_client", nil, KindProviderUnavailable},
		{"unsupported provider text", OpOAuth, 0, 0, "", errors.New("Unsupported provider: github"), KindProviderUnavailable},
		{"oauth 401", OpOAuth, http.StatusUnauthorized, 0, "", nil, KindProviderUnavailable},
		{"oauth other", OpOAuth, http.StatusBadGateway, 0, "upstream down", nil, KindAuthFailure},
		{"401 on password login is auth", OpSignIn, http.StatusUnauthorized, errs.ErrInvalidCredentials, "", nil, KindAuthFailure},
		{"vendor text outside oauth ignored", OpSignIn, 0, 0, "deleted_client", nil, KindAuthFailure},
		{"insert", OpInsert, http.StatusBadRequest, errs.ErrMessageEmpty, "", nil, KindSendFailure},
		{"history", OpHistory, http.StatusInternalServerError, errs.ErrUnknown, "", nil, KindFetchFailure},
		{"subscribe", OpSubscribe, 0, 0, "", errors.New("dial tcp: refused"), KindSubscriptionFailure},
		{"unknown op", Op("other"), 0, 0, "", errors.New("boom"), KindUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.op, tc.status, tc.code, tc.message, tc.cause)
			assert.Equal(t, tc.want, got.Kind)
		})
	}
}

func TestErrorWrapsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("load: %w", Classify(OpHistory, 0, 0, "", cause))

	assert.ErrorIs(t, err, cause)
	assert.True(t, IsKind(err, KindFetchFailure))
	assert.Equal(t, KindTimeout, KindOf(context.DeadlineExceeded))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Contains(t, err.Error(), "connection refused")
}
