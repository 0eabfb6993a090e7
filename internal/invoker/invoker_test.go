package invoker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/easycronjobs/engine/internal/jobs"
)

func TestInvoke_SuccessCodesOverrideDefault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("gone"))
	}))
	defer srv.Close()

	iv := &Invoker{}

	// 404 is a failure by default...
	out, err := iv.Invoke(context.Background(), jobs.OutboundRequestSpec{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, ClassFail, out.Class)
	assert.Equal(t, 404, out.StatusCode)
	assert.Equal(t, "gone", out.Body)

	// ...but a success when the job says so.
	out, err = iv.Invoke(context.Background(), jobs.OutboundRequestSpec{
		URL:          srv.URL,
		SuccessCodes: []int{404},
	})
	require.NoError(t, err)
	assert.Equal(t, ClassSuccess, out.Class)
}

func TestInvoke_TimeoutIsNetworkClass(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	iv := &Invoker{}
	out, err := iv.Invoke(context.Background(), jobs.OutboundRequestSpec{
		URL:       srv.URL,
		TimeoutMS: 50,
	})
	require.NoError(t, err)
	assert.Equal(t, ClassTimeout, out.Class)
	assert.Equal(t, 0, out.StatusCode)
	assert.Error(t, out.Err)
}

func TestInvoke_AuthHeaders(t *testing.T) {
	tests := []struct {
		name   string
		auth   jobs.AuthConfig
		header string
		want   string
	}{
		{
			name:   "bearer",
			auth:   jobs.AuthConfig{Type: jobs.AuthBearer, Token: "tok123"},
			header: "Authorization",
			want:   "Bearer tok123",
		},
		{
			name:   "basic",
			auth:   jobs.AuthConfig{Type: jobs.AuthBasic, Username: "u", Password: "p"},
			header: "Authorization",
			want:   "Basic dTpw",
		},
		{
			name:   "apikey default header",
			auth:   jobs.AuthConfig{Type: jobs.AuthAPIKey, APIKey: "k"},
			header: "X-Api-Key",
			want:   "k",
		},
		{
			name:   "apikey custom header",
			auth:   jobs.AuthConfig{Type: jobs.AuthAPIKey, APIKey: "k", HeaderName: "X-Token"},
			header: "X-Token",
			want:   "k",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = r.Header.Get(tt.header)
			}))
			defer srv.Close()

			iv := &Invoker{}
			_, err := iv.Invoke(context.Background(), jobs.OutboundRequestSpec{URL: srv.URL, Auth: tt.auth})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInvoke_QueryParamsAndHeaders(t *testing.T) {
	var gotQuery, gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("page")
		gotHeader = r.Header.Get("X-Custom")
	}))
	defer srv.Close()

	iv := &Invoker{}
	_, err := iv.Invoke(context.Background(), jobs.OutboundRequestSpec{
		URL: srv.URL,
		QueryParams: []jobs.KeyValuePair{
			{Key: "page", Value: "2", Enabled: true},
			{Key: "skip", Value: "me", Enabled: false},
		},
		Headers: []jobs.KeyValuePair{
			{Key: "X-Custom", Value: "yes", Enabled: true},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "2", gotQuery)
	assert.Equal(t, "yes", gotHeader)
}

func TestInvoke_JSONBodyValidation(t *testing.T) {
	iv := &Invoker{}
	_, err := iv.Invoke(context.Background(), jobs.OutboundRequestSpec{
		URL:      "http://localhost:1",
		Method:   "POST",
		Body:     "{not json",
		BodyType: jobs.BodyJSON,
	})
	require.Error(t, err)
}

func TestInvoke_BodyOnlyForWriteMethods(t *testing.T) {
	var gotLen int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotLen = r.ContentLength
	}))
	defer srv.Close()

	iv := &Invoker{}
	_, err := iv.Invoke(context.Background(), jobs.OutboundRequestSpec{
		URL:      srv.URL,
		Method:   "GET",
		Body:     `{"ignored":true}`,
		BodyType: jobs.BodyJSON,
	})
	require.NoError(t, err)
	assert.Zero(t, gotLen)
}

func TestInvoke_RedirectPolicy(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target.URL, http.StatusFound)
	}))
	defer srv.Close()

	iv := &Invoker{}

	out, err := iv.Invoke(context.Background(), jobs.OutboundRequestSpec{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, 302, out.StatusCode, "redirects not followed by default")

	out, err = iv.Invoke(context.Background(), jobs.OutboundRequestSpec{URL: srv.URL, FollowRedirects: true})
	require.NoError(t, err)
	assert.Equal(t, 200, out.StatusCode)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ClassSuccess, Classify(jobs.OutboundRequestSpec{}, 204))
	assert.Equal(t, ClassFail, Classify(jobs.OutboundRequestSpec{}, 500))
	assert.Equal(t, ClassFail, Classify(jobs.OutboundRequestSpec{FailureCodes: []int{204}}, 204))
	assert.Equal(t, ClassFail, Classify(jobs.OutboundRequestSpec{SuccessCodes: []int{200}}, 201),
		"explicit successCodes make everything else a failure")
}

func TestStateFor(t *testing.T) {
	assert.Equal(t, jobs.RunOK, StateFor(ClassSuccess))
	assert.Equal(t, jobs.RunFail, StateFor(ClassFail))
	assert.Equal(t, jobs.RunTimeout, StateFor(ClassTimeout))
}
