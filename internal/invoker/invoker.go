// Package invoker executes a job's outbound HTTP call and classifies the
// result. Network-level failures (connection errors, deadline exceeded)
// are a different taxonomy entry than application-level failures: the
// former finalize the run as TIMEOUT, the latter as FAIL.
package invoker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/easycronjobs/engine/internal/jobs"
)

// Class is the invoker-level outcome taxonomy.
type Class int

const (
	ClassSuccess Class = iota
	ClassFail
	ClassTimeout
)

// Outcome is the result of one outbound call.
type Outcome struct {
	Class      Class
	StatusCode int // 0 when the exchange never completed
	Body       string
	Elapsed    time.Duration
	Err        error
}

const (
	defaultTimeout = 30 * time.Second
	maxBodyExcerpt = 8 * 1024
)

var bodyMethods = map[string]bool{"POST": true, "PUT": true, "PATCH": true}

// Invoker performs outbound calls. Transport is swappable for tests.
type Invoker struct {
	Transport http.RoundTripper
}

// Invoke runs the configured request, bounded by spec.TimeoutMS. The
// returned error is non-nil only for local precondition failures (bad URL,
// unparseable JSON body); anything that happened on the wire is reported
// through the Outcome.
func (iv *Invoker) Invoke(ctx context.Context, spec jobs.OutboundRequestSpec) (Outcome, error) {
	method := spec.Method
	if method == "" {
		method = "GET"
	}
	target, err := buildURL(spec)
	if err != nil {
		return Outcome{}, err
	}

	var bodyReader io.Reader
	var contentType string
	if bodyMethods[method] && spec.Body != "" {
		switch spec.BodyType {
		case jobs.BodyJSON:
			// Invalid JSON is a local precondition failure; it never
			// reaches the network.
			if !json.Valid([]byte(spec.Body)) {
				return Outcome{}, fmt.Errorf("body is not valid JSON")
			}
			contentType = "application/json"
		case jobs.BodyForm:
			contentType = "application/x-www-form-urlencoded"
		default:
			contentType = "text/plain"
		}
		bodyReader = strings.NewReader(spec.Body)
	}

	to := time.Duration(spec.TimeoutMS) * time.Millisecond
	if to <= 0 {
		to = defaultTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, to)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, method, target, bodyReader)
	if err != nil {
		return Outcome{}, fmt.Errorf("new request: %w", err)
	}
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}
	for _, h := range spec.Headers {
		if h.Enabled {
			req.Header.Set(h.Key, h.Value)
		}
	}
	applyAuth(req, spec.Auth)

	client := &http.Client{Transport: iv.Transport, Timeout: to}
	if !spec.FollowRedirects {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return Outcome{Class: ClassTimeout, Elapsed: time.Since(start), Err: err}, nil
	}
	defer resp.Body.Close()

	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyExcerpt))
	out := Outcome{
		StatusCode: resp.StatusCode,
		Body:       string(excerpt),
		Elapsed:    time.Since(start),
	}
	out.Class = Classify(spec, resp.StatusCode)
	return out, nil
}

// Classify applies the configured status-code rules: a status in
// SuccessCodes is a success; anything else is a failure, explicit
// FailureCodes included.
func Classify(spec jobs.OutboundRequestSpec, status int) Class {
	for _, c := range spec.SuccessCodes {
		if status == c {
			return ClassSuccess
		}
	}
	if len(spec.SuccessCodes) == 0 {
		for _, c := range spec.FailureCodes {
			if status == c {
				return ClassFail
			}
		}
		if status >= 200 && status < 300 {
			return ClassSuccess
		}
	}
	return ClassFail
}

func buildURL(spec jobs.OutboundRequestSpec) (string, error) {
	u, err := url.ParseRequestURI(spec.URL)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	q := u.Query()
	for _, p := range spec.QueryParams {
		if p.Enabled {
			q.Set(p.Key, p.Value)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func applyAuth(req *http.Request, auth jobs.AuthConfig) {
	switch auth.Type {
	case jobs.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case jobs.AuthBasic:
		cred := base64.StdEncoding.EncodeToString([]byte(auth.Username + ":" + auth.Password))
		req.Header.Set("Authorization", "Basic "+cred)
	case jobs.AuthAPIKey:
		name := auth.HeaderName
		if name == "" {
			name = "X-Api-Key"
		}
		req.Header.Set(name, auth.APIKey)
	}
}

// StateFor maps an outcome class to the run ledger state.
func StateFor(c Class) jobs.RunState {
	switch c {
	case ClassSuccess:
		return jobs.RunOK
	case ClassTimeout:
		return jobs.RunTimeout
	default:
		return jobs.RunFail
	}
}
