package collyfetcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/jobcollector/internal/collector"
)

const pageOne = `{"data":{"list":[
  {"name":"Go Engineer","companyName":"Acme","salary60":"","salaryReal":"15-25K","workCity":"上海","cityDistrict":"浦东","streetName":"","recruitNumber":"3","welfareTagList":["五险一金"]},
  {"name":"SRE","companyName":"Beta","salary60":"20-30K·13薪","workingExp":"3-5年","education":"本科"}
]}}`

type searchServer struct {
	*httptest.Server
	requests atomic.Int32
	bodies   chan map[string]any
}

func newSearchServer(t *testing.T, handler func(body map[string]any) (int, string)) *searchServer {
	t.Helper()
	s := &searchServer{bodies: make(chan map[string]any, 16)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requests.Add(1)
		if r.Method != http.MethodPost {
			http.Error(w, "method", http.StatusMethodNotAllowed)
			return
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			http.Error(w, "content type "+ct, http.StatusUnsupportedMediaType)
			return
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		select {
		case s.bodies <- body:
		default:
		}
		status, payload := handler(body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(payload))
	}))
	t.Cleanup(s.Close)
	return s
}

func TestFetchPageSendsSearchPayload(t *testing.T) {
	t.Parallel()

	srv := newSearchServer(t, func(map[string]any) (int, string) {
		return http.StatusOK, pageOne
	})
	f := New(Config{Endpoint: srv.URL, UserAgent: "jobcollector-test"})

	records, err := f.FetchPage(context.Background(), "golang", 2)
	require.NoError(t, err)
	require.Len(t, records, 2)

	body := <-srv.bodies
	require.Equal(t, "736", body["S_SOU_WORK_CITY"])
	require.EqualValues(t, 4, body["order"])
	require.EqualValues(t, 20, body["pageSize"])
	require.EqualValues(t, 2, body["pageIndex"])
	require.Equal(t, "pcSearchedSouSearch", body["eventScenario"])
	require.EqualValues(t, 1, body["anonymous"])
	require.Equal(t, "golang", body["S_SOU_FULL_INDEX"])

	require.Equal(t, "Go Engineer", records[0].Title)
	require.Equal(t, "15-25K", records[0].Salary)
	require.Equal(t, "上海 浦东", records[0].Location)
	require.Equal(t, 3, records[0].Headcount)
	require.Equal(t, DefaultExperience, records[0].Experience)
	require.Equal(t, "golang", records[0].SearchTerm)

	require.Equal(t, "20-30K·13薪", records[1].Salary)
	require.Equal(t, "3-5年", records[1].Experience)
	require.Equal(t, "本科", records[1].Education)
}

func TestFetchPageEmptyListEndsPagination(t *testing.T) {
	t.Parallel()

	for name, payload := range map[string]string{
		"empty list":   `{"data":{"list":[]}}`,
		"missing list": `{"data":{}}`,
		"missing data": `{}`,
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			srv := newSearchServer(t, func(map[string]any) (int, string) {
				return http.StatusOK, payload
			})
			records, err := New(Config{Endpoint: srv.URL}).FetchPage(context.Background(), "x", 1)
			require.NoError(t, err)
			require.NotNil(t, records)
			require.Empty(t, records)
		})
	}
}

func TestFetchPageNon2xxIsTransportError(t *testing.T) {
	t.Parallel()

	srv := newSearchServer(t, func(map[string]any) (int, string) {
		return http.StatusBadGateway, `{"message":"upstream down"}`
	})
	_, err := New(Config{Endpoint: srv.URL}).FetchPage(context.Background(), "x", 1)
	require.ErrorIs(t, err, collector.ErrTransport)
	require.False(t, errors.Is(err, collector.ErrDecode))
	require.Contains(t, err.Error(), "status 502")
}

func TestFetchPageMalformedBodyIsDecodeError(t *testing.T) {
	t.Parallel()

	srv := newSearchServer(t, func(map[string]any) (int, string) {
		return http.StatusOK, `<html>captcha</html>`
	})
	_, err := New(Config{Endpoint: srv.URL}).FetchPage(context.Background(), "x", 1)
	require.ErrorIs(t, err, collector.ErrDecode)
	require.False(t, errors.Is(err, collector.ErrTransport))
}

func TestFetchPageTimeoutIsTransportError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	f := New(Config{Endpoint: srv.URL, Timeout: 50 * time.Millisecond})
	start := time.Now()
	_, err := f.FetchPage(context.Background(), "slow", 1)
	require.ErrorIs(t, err, collector.ErrTransport)
	require.Less(t, time.Since(start), time.Second)
}

func TestFetchPageUnreachableHostIsTransportError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close()

	_, err := New(Config{Endpoint: endpoint}).FetchPage(context.Background(), "x", 1)
	require.ErrorIs(t, err, collector.ErrTransport)
}

func TestFetchPageContextCanceled(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := New(Config{Endpoint: srv.URL}).FetchPage(ctx, "x", 1)
	require.ErrorIs(t, err, collector.ErrTransport)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

type countingLimiter struct {
	calls atomic.Int32
	err   error
}

func (l *countingLimiter) Wait(context.Context) error {
	l.calls.Add(1)
	return l.err
}

func TestFetchPageWaitsOnLimiter(t *testing.T) {
	t.Parallel()

	srv := newSearchServer(t, func(map[string]any) (int, string) {
		return http.StatusOK, pageOne
	})
	limiter := &countingLimiter{}
	f := New(Config{Endpoint: srv.URL}, WithLimiter(limiter))

	for page := 1; page <= 3; page++ {
		_, err := f.FetchPage(context.Background(), "x", page)
		require.NoError(t, err)
	}
	require.Equal(t, int32(3), limiter.calls.Load())

	limiter.err = errors.New("rate limit wait: context canceled")
	_, err := f.FetchPage(context.Background(), "x", 4)
	require.ErrorIs(t, err, collector.ErrTransport)
	require.Equal(t, int32(3), srv.requests.Load(), "no request once the limiter refuses")
}

func TestFetchPageRevisitsSameEndpoint(t *testing.T) {
	t.Parallel()

	srv := newSearchServer(t, func(map[string]any) (int, string) {
		return http.StatusOK, pageOne
	})
	f := New(Config{Endpoint: srv.URL})
	for i := 0; i < 3; i++ {
		records, err := f.FetchPage(context.Background(), "same", 1)
		require.NoError(t, err)
		require.Len(t, records, 2)
	}
	require.Equal(t, int32(3), srv.requests.Load())
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	require.Equal(t, DefaultEndpoint, f.Endpoint())
	require.Equal(t, DefaultUserAgent, f.baseCollector.UserAgent)
	require.True(t, f.baseCollector.AllowURLRevisit)
	require.Equal(t, DefaultTimeout, f.cfg.Timeout)
	require.Equal(t, DefaultPageSize, f.cfg.PageSize)
	require.NotNil(t, f.cfg.Anonymous)
	require.Equal(t, DefaultAnonymous, *f.cfg.Anonymous)
}

func TestFetchPageKeepsExplicitAnonymousZero(t *testing.T) {
	t.Parallel()

	srv := newSearchServer(t, func(map[string]any) (int, string) {
		return http.StatusOK, `{"data":{"list":[]}}`
	})
	anonymous := 0
	f := New(Config{Endpoint: srv.URL, Anonymous: &anonymous})

	_, err := f.FetchPage(context.Background(), "golang", 1)
	require.NoError(t, err)
	body := <-srv.bodies
	require.EqualValues(t, 0, body["anonymous"])
}

func TestFetchPageKeepsGoodItemsBesideBadOnes(t *testing.T) {
	t.Parallel()

	srv := newSearchServer(t, func(map[string]any) (int, string) {
		return http.StatusOK, `{"data":{"list":[
		  {"name":"Odd","companyName":"Acme","workingExp":{"name":"1-3年"}},
		  {"name":"Vague","companyName":"Acme","recruitNumber":"若干"},
		  {"name":"Go Engineer","companyName":"Beta","recruitNumber":2}
		]}}`
	})
	f := New(Config{Endpoint: srv.URL})

	records, err := f.FetchPage(context.Background(), "golang", 1)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "Vague", records[0].Title)
	require.Zero(t, records[0].Headcount)
	require.Equal(t, "Go Engineer", records[1].Title)
	require.Equal(t, 2, records[1].Headcount)
}

func TestFetchPageAllItemsUndecodableIsDecodeError(t *testing.T) {
	t.Parallel()

	srv := newSearchServer(t, func(map[string]any) (int, string) {
		return http.StatusOK, `{"data":{"list":[{"name":["not","a","string"]}]}}`
	})
	f := New(Config{Endpoint: srv.URL})

	records, err := f.FetchPage(context.Background(), "golang", 1)
	require.ErrorIs(t, err, collector.ErrDecode)
	require.Nil(t, records)
}
