package yoloprep

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testImageURL = "http://farm.test/photos/a.jpg"

func setupHTTPMock(t *testing.T) {
	t.Helper()
	httpmock.Activate()
	t.Cleanup(httpmock.DeactivateAndReset)
}

func newTestFetcher(retries int) *HTTPFetcher {
	return NewHTTPFetcher(FetcherConfig{
		Timeout:         time.Second,
		MaxRetries:      retries,
		InitialInterval: time.Millisecond,
		UserAgent:       "yoloprep-test",
	}, nil, nil)
}

func TestHTTPFetcher_Success(t *testing.T) {
	setupHTTPMock(t)
	httpmock.RegisterResponder("GET", testImageURL,
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "yoloprep-test", req.Header.Get("User-Agent"))
			return httpmock.NewBytesResponse(http.StatusOK, []byte("image-bytes")), nil
		})

	data, err := newTestFetcher(0).Fetch(t.Context(), testImageURL)

	require.NoError(t, err)
	assert.Equal(t, []byte("image-bytes"), data)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestHTTPFetcher_ClientErrorIsNotRetried(t *testing.T) {
	setupHTTPMock(t)
	httpmock.RegisterResponder("GET", testImageURL, httpmock.NewStringResponder(http.StatusNotFound, ""))

	_, err := newTestFetcher(3).Fetch(t.Context(), testImageURL)

	var fe *FetchError
	require.True(t, errors.As(err, &fe), "expected *FetchError, got %T", err)
	assert.Equal(t, http.StatusNotFound, fe.StatusCode)
	assert.Equal(t, testImageURL, fe.URL)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestHTTPFetcher_ServerErrorIsRetried(t *testing.T) {
	setupHTTPMock(t)
	var calls atomic.Int32
	httpmock.RegisterResponder("GET", testImageURL,
		func(req *http.Request) (*http.Response, error) {
			if calls.Add(1) < 3 {
				return httpmock.NewStringResponse(http.StatusServiceUnavailable, "busy"), nil
			}
			return httpmock.NewBytesResponse(http.StatusOK, []byte("ok")), nil
		})

	data, err := newTestFetcher(3).Fetch(t.Context(), testImageURL)

	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), data)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPFetcher_RetriesExhausted(t *testing.T) {
	setupHTTPMock(t)
	httpmock.RegisterResponder("GET", testImageURL,
		httpmock.NewStringResponder(http.StatusInternalServerError, "boom"))

	_, err := newTestFetcher(2).Fetch(t.Context(), testImageURL)

	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, http.StatusInternalServerError, fe.StatusCode)
	assert.Equal(t, 3, httpmock.GetTotalCallCount(), "one attempt plus two retries")
}

func TestHTTPFetcher_TimeoutIsFetchError(t *testing.T) {
	setupHTTPMock(t)
	httpmock.RegisterResponder("GET", testImageURL,
		func(req *http.Request) (*http.Response, error) {
			<-req.Context().Done()
			return nil, req.Context().Err()
		})

	f := NewHTTPFetcher(FetcherConfig{Timeout: 20 * time.Millisecond}, nil, nil)
	_, err := f.Fetch(t.Context(), testImageURL)

	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func TestHTTPFetcher_CancelledContext(t *testing.T) {
	setupHTTPMock(t)
	httpmock.RegisterResponder("GET", testImageURL, httpmock.NewStringResponder(http.StatusOK, "x"))

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := newTestFetcher(3).Fetch(ctx, testImageURL)

	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, httpmock.GetTotalCallCount())
}

func TestHTTPFetcher_EmptyURL(t *testing.T) {
	_, err := newTestFetcher(0).Fetch(t.Context(), "")

	var fe *FetchError
	assert.True(t, errors.As(err, &fe))
}

func TestRetryableStatus(t *testing.T) {
	assert.True(t, retryableStatus(0))
	assert.True(t, retryableStatus(http.StatusTooManyRequests))
	assert.True(t, retryableStatus(http.StatusRequestTimeout))
	assert.True(t, retryableStatus(http.StatusBadGateway))
	assert.False(t, retryableStatus(http.StatusForbidden))
	assert.False(t, retryableStatus(-1))
}
