package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"

	"guilthub/internal/controller"
	"guilthub/internal/domain"
	"guilthub/internal/oracle"
	"guilthub/internal/store"
)

type stubOracle struct {
	analysis  domain.Analysis
	review    domain.Review
	reviewErr error
	reply     string
}

func (s *stubOracle) Analyze(ctx context.Context, message string) (domain.Analysis, error) {
	return s.analysis, nil
}

func (s *stubOracle) Review(ctx context.Context, sin, atonement string) (domain.Review, error) {
	if s.reviewErr != nil {
		return domain.Review{}, s.reviewErr
	}
	return s.review, nil
}

func (s *stubOracle) StatusLine(ctx context.Context, recent []string) (string, error) {
	return "All modules nominal.", nil
}

func (s *stubOracle) ChatTurn(ctx context.Context, history []oracle.ChatMessage, userText string, onDelta func(string)) (string, error) {
	for _, chunk := range strings.SplitAfter(s.reply, " ") {
		if onDelta != nil {
			onDelta(chunk)
		}
	}
	return s.reply, nil
}

type testServer struct {
	URL        string
	client     *http.Client
	controller *controller.Controller
	close      func()
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T, stub *stubOracle) *testServer {
	t.Helper()
	c := controller.New(store.NewMemory(), stub, nil)
	handler, err := New(Config{Controller: c, BasePath: "/v0"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:        "http://" + ln.Addr().String(),
		client:     &http.Client{},
		controller: c,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
		},
	}
	t.Cleanup(testSrv.close)
	return testSrv
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, &stubOracle{})
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, data)
	}
	var body map[string]string
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("health body: %s", data)
	}
}

func TestCommitLifecycle(t *testing.T) {
	stub := &stubOracle{analysis: domain.Analysis{
		Severity: 3,
		Category: "Procrastination",
		Roast:    "A bold refusal to compile.",
		Penance:  "Finish one task today.",
		Tags:     []string{"infinite-loop"},
	}}
	srv := newTestServer(t, stub)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/commits", map[string]any{
		"message": "rewatched the same show instead of working",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create commit status %d: %s", res.StatusCode, data)
	}
	var created domain.Commit
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal commit: %v", err)
	}
	if created.Analysis.Severity != 3 || created.ID == "" {
		t.Fatalf("created commit: %+v", created)
	}
	if created.Date == "" || created.Timestamp == 0 {
		t.Fatalf("commit timestamps missing: %+v", created)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/commits", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list commits status %d: %s", res.StatusCode, data)
	}
	var commits []domain.Commit
	if err := json.Unmarshal(data, &commits); err != nil {
		t.Fatalf("unmarshal commits: %v", err)
	}
	if len(commits) != 1 || commits[0].ID != created.ID {
		t.Fatalf("listed commits: %+v", commits)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/commits/"+created.ID, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get commit status %d: %s", res.StatusCode, data)
	}
	var fetched domain.Commit
	if err := json.Unmarshal(data, &fetched); err != nil {
		t.Fatalf("unmarshal commit: %v", err)
	}
	if fetched.ID != created.ID || fetched.Message != created.Message {
		t.Fatalf("fetched commit: %+v", fetched)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/commits/nope", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("get unknown commit status %d: %s", res.StatusCode, data)
	}
}

func TestCreateCommitRequiresMessage(t *testing.T) {
	srv := newTestServer(t, &stubOracle{})
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/commits", map[string]any{"message": ""})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "bad_request" {
		t.Fatalf("error code: %s", data)
	}
}

func TestAnalyzeDoesNotRecord(t *testing.T) {
	stub := &stubOracle{analysis: domain.Analysis{Severity: 2, Category: "Health"}}
	srv := newTestServer(t, stub)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/commits/analyze", map[string]any{
		"message": "skipped breakfast",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("analyze status %d: %s", res.StatusCode, data)
	}
	var analysis domain.Analysis
	if err := json.Unmarshal(data, &analysis); err != nil {
		t.Fatalf("unmarshal analysis: %v", err)
	}
	if analysis.Severity != 2 {
		t.Fatalf("analysis: %+v", analysis)
	}
	if commits := srv.controller.Snapshot().Commits; len(commits) != 0 {
		t.Fatalf("analyze must not record a commit, got %d", len(commits))
	}
}

func TestIssueCloseAndNotFound(t *testing.T) {
	srv := newTestServer(t, &stubOracle{})
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/issues", map[string]any{
		"title":       "Chronic Snoozing",
		"description": "alarm handler ignores interrupts",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create issue status %d: %s", res.StatusCode, data)
	}
	var issue domain.Issue
	if err := json.Unmarshal(data, &issue); err != nil {
		t.Fatalf("unmarshal issue: %v", err)
	}
	if issue.Number != 1 || issue.Status != domain.IssueOpen {
		t.Fatalf("issue: %+v", issue)
	}
	if len(issue.Labels) != 2 {
		t.Fatalf("labels: %+v", issue.Labels)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/issues/"+issue.ID+"/close", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("close status %d: %s", res.StatusCode, data)
	}
	var closed domain.Issue
	if err := json.Unmarshal(data, &closed); err != nil {
		t.Fatalf("unmarshal closed: %v", err)
	}
	if closed.Status != domain.IssueClosed {
		t.Fatalf("closed issue: %+v", closed)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/issues/ghost/close", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown issue close status %d: %s", res.StatusCode, data)
	}
}

func TestPullRequestMergedByReview(t *testing.T) {
	stub := &stubOracle{
		analysis: domain.Analysis{Severity: 2, Category: "Social"},
		review: domain.Review{
			Status:  domain.PRMerged,
			Comment: "Patch integrity verified.",
			Label:   "patch-accepted",
		},
	}
	srv := newTestServer(t, stub)
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/commits", map[string]any{
		"message": "ghosted the group chat",
	})
	var commit domain.Commit
	if err := json.Unmarshal(data, &commit); err != nil {
		t.Fatalf("unmarshal commit: %v", err)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/pulls", map[string]any{
		"commit_id":   commit.ID,
		"title":       "Apology rollout",
		"description": "replied to everyone",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("open pr status %d: %s", res.StatusCode, data)
	}
	var pr domain.PullRequest
	if err := json.Unmarshal(data, &pr); err != nil {
		t.Fatalf("unmarshal pr: %v", err)
	}
	if pr.Status != domain.PRMerged || pr.Number != 1 {
		t.Fatalf("pr: %+v", pr)
	}
	if pr.Review == nil || pr.Review.Label != "patch-accepted" {
		t.Fatalf("pr review: %+v", pr.Review)
	}
}

func TestPullRequestReviewFailure(t *testing.T) {
	stub := &stubOracle{
		analysis:  domain.Analysis{Severity: 1},
		reviewErr: errors.New("stream reset"),
	}
	srv := newTestServer(t, stub)
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/commits", map[string]any{"message": "m"})
	var commit domain.Commit
	if err := json.Unmarshal(data, &commit); err != nil {
		t.Fatalf("unmarshal commit: %v", err)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/pulls", map[string]any{
		"commit_id": commit.ID,
		"title":     "t",
	})
	if res.StatusCode != http.StatusBadGateway {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/pulls", nil)
	var prs []domain.PullRequest
	if err := json.Unmarshal(data, &prs); err != nil {
		t.Fatalf("unmarshal prs: %v", err)
	}
	if len(prs) != 0 {
		t.Fatalf("no pr may exist after review failure, got %d", len(prs))
	}
}

func TestPullRequestUnknownCommit(t *testing.T) {
	srv := newTestServer(t, &stubOracle{review: domain.Review{Status: domain.PRMerged}})
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/pulls", map[string]any{
		"commit_id": "ghost",
		"title":     "t",
	})
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
}

func TestStatusReflectsState(t *testing.T) {
	stub := &stubOracle{analysis: domain.Analysis{Severity: 4}}
	srv := newTestServer(t, stub)
	client := srv.Client()

	for i := 0; i < 3; i++ {
		doJSON(t, client, http.MethodPost, srv.URL+"/v0/issues", map[string]any{"title": "recurring defect"})
	}
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/commits", map[string]any{"message": "m"})
	srv.controller.WaitKernelStatus()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/status", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var status StatusResponse
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if status.SystemHealth != "Degraded" || status.OpenIssues != 3 {
		t.Fatalf("status: %+v", status)
	}
	if status.AvgSeverity != 4.0 || status.TotalCommits != 1 {
		t.Fatalf("status metrics: %+v", status)
	}
	if status.KernelStatus != "All modules nominal." {
		t.Fatalf("kernel status: %q", status.KernelStatus)
	}
}

func TestHeatmapAndMetrics(t *testing.T) {
	stub := &stubOracle{analysis: domain.Analysis{Severity: 2}}
	srv := newTestServer(t, stub)
	client := srv.Client()
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/commits", map[string]any{"message": "m"})

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/heatmap?days=14", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("heatmap status %d: %s", res.StatusCode, data)
	}
	var heatmap HeatmapResponse
	if err := json.Unmarshal(data, &heatmap); err != nil {
		t.Fatalf("unmarshal heatmap: %v", err)
	}
	if len(heatmap.Days) != 14 || len(heatmap.Weeks) != 2 {
		t.Fatalf("heatmap shape: %d days, %d weeks", len(heatmap.Days), len(heatmap.Weeks))
	}
	if heatmap.Days[13].Count != 1 {
		t.Fatalf("today's bucket: %+v", heatmap.Days[13])
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/metrics/severity", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d: %s", res.StatusCode, data)
	}
	var metrics SeverityMetricsResponse
	if err := json.Unmarshal(data, &metrics); err != nil {
		t.Fatalf("unmarshal metrics: %v", err)
	}
	if len(metrics.Points) != 1 || metrics.Average != 2.0 {
		t.Fatalf("metrics: %+v", metrics)
	}
}

func TestChatStream(t *testing.T) {
	stub := &stubOracle{reply: "Recalibrating your discipline module."}
	srv := newTestServer(t, stub)

	body, _ := json.Marshal(map[string]any{"message": "status report"})
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v0/chat", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	if ct := res.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type: %s", ct)
	}
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	stream := string(raw)
	if !strings.Contains(stream, "event: delta") {
		t.Fatalf("missing delta events:\n%s", stream)
	}
	if !strings.Contains(stream, "event: done") || !strings.Contains(stream, "Recalibrating") {
		t.Fatalf("missing done event:\n%s", stream)
	}

	history := srv.controller.ChatHistory()
	if len(history) != 3 || history[2].Text != stub.reply {
		t.Fatalf("history after chat: %+v", history)
	}
}
