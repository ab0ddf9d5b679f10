package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/autorag/autorag/internal/corpus"
	"github.com/autorag/autorag/internal/dispatch"
	"github.com/autorag/autorag/internal/generate"
	"github.com/autorag/autorag/internal/index"
	"github.com/autorag/autorag/internal/log"
	"github.com/autorag/autorag/internal/prompt"
	"github.com/google/uuid"
)

type fakeChatter struct {
	mu    sync.Mutex
	turns []dispatch.Turn
	next  dispatch.Turn
}

func (f *fakeChatter) Process(_ context.Context, requesterID, text, model string) dispatch.Turn {
	f.mu.Lock()
	defer f.mu.Unlock()
	turn := f.next
	turn.RequesterID = requesterID
	turn.Inbound = text
	if model != "" {
		turn.Model = model
	}
	f.turns = append(f.turns, turn)
	return turn
}

type fakeBuilder struct {
	err    error
	report *corpus.BuildReport
	gotLen int
}

func (f *fakeBuilder) Build(_ context.Context, corpusText string) (*corpus.BuildReport, error) {
	f.gotLen = len(corpusText)
	if f.err != nil {
		return nil, f.err
	}
	return f.report, nil
}

type fakeUserStore struct {
	mu  sync.Mutex
	ids map[string]struct{}
	err error
}

func newFakeUserStore(ids ...string) *fakeUserStore {
	s := &fakeUserStore{ids: map[string]struct{}{}}
	for _, id := range ids {
		s.ids[id] = struct{}{}
	}
	return s
}

func (s *fakeUserStore) Add(_ context.Context, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	for _, id := range ids {
		s.ids[id] = struct{}{}
	}
	return nil
}

func (s *fakeUserStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	delete(s.ids, id)
	return nil
}

func (s *fakeUserStore) List(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := make([]string, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

type fakeTemplateStore struct {
	mu  sync.Mutex
	tpl string
}

func (s *fakeTemplateStore) Template(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tpl == "" {
		return prompt.DefaultTemplate, nil
	}
	return s.tpl, nil
}

func (s *fakeTemplateStore) Set(_ context.Context, tpl string) error {
	if err := prompt.Validate(tpl); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tpl = tpl
	return nil
}

type testServer struct {
	srv        *httptest.Server
	chatter    *fakeChatter
	builder    *fakeBuilder
	users      *fakeUserStore
	corpusPath string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	chatter := &fakeChatter{next: dispatch.Turn{State: dispatch.StateDone, Reply: "yo", Model: "qwen3:4b"}}
	builder := &fakeBuilder{report: &corpus.BuildReport{BuildID: uuid.New(), Chunks: 3, Dimension: 128}}
	users := newFakeUserStore("42")
	corpusPath := filepath.Join(t.TempDir(), "messages.txt")

	registry := generate.NewRegistry()
	registry.Register("qwen3:4b", nil)
	registry.Register("llama3", nil)

	s, err := NewServer(ServerConfig{
		Logger:     log.NewNop(),
		Dispatcher: chatter,
		Builder:    builder,
		Index:      index.New(index.Cosine),
		Users:      users,
		Templates:  &fakeTemplateStore{},
		Selector:   generate.NewSelector(generate.ModelSelection{EmbeddingModel: "bge-m3", GenerationModel: "qwen3:4b"}),
		Registry:   registry,
		CorpusPath: corpusPath,
	})
	if err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, chatter: chatter, builder: builder, users: users, corpusPath: corpusPath}
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestChatEndpoint(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	resp := postJSON(t, ts.srv.URL+"/api/v1/chat", chatRequest{RequesterID: "42", Message: "hello"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	got := decode[chatResponse](t, resp)
	if got.Response != "yo" || got.ModelUsed != "qwen3:4b" {
		t.Errorf("response = %+v", got)
	}
}

func TestChatEndpointValidation(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	tests := []struct {
		name string
		body any
	}{
		{"missing requester", chatRequest{Message: "hi"}},
		{"missing message", chatRequest{RequesterID: "42"}},
		{"blank fields", chatRequest{RequesterID: "  ", Message: "\n"}},
	}
	for _, tt := range tests {
		resp := postJSON(t, ts.srv.URL+"/api/v1/chat", tt.body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", tt.name, resp.StatusCode)
		}
	}
	if n := len(ts.chatter.turns); n != 0 {
		t.Errorf("invalid requests reached the dispatcher %d times", n)
	}
}

func TestChatEndpointDenied(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	ts.chatter.next = dispatch.Turn{State: dispatch.StateAborted, Reply: "Permission denied."}

	resp := postJSON(t, ts.srv.URL+"/api/v1/chat", chatRequest{RequesterID: "7", Message: "hi"})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
	got := decode[errorResponse](t, resp)
	if got.Message != "Permission denied." {
		t.Errorf("message = %q", got.Message)
	}
}

func TestChatEndpointGenerationFailureStill200(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	ts.chatter.next = dispatch.Turn{
		State: dispatch.StateAborted,
		Reply: dispatch.DefaultFallbackReply,
		Err:   errors.New("generation timed out"),
		Model: "qwen3:4b",
	}

	resp := postJSON(t, ts.srv.URL+"/api/v1/chat", chatRequest{RequesterID: "42", Message: "hi"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 with fallback reply", resp.StatusCode)
	}
	got := decode[chatResponse](t, resp)
	if got.Response != dispatch.DefaultFallbackReply {
		t.Errorf("response = %q, want the fallback", got.Response)
	}
}

func TestCorpusUpload(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	resp, err := http.Post(ts.srv.URL+"/api/v1/corpus", "text/plain", strings.NewReader("some corpus text"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	got := decode[map[string]any](t, resp)
	if got["status"] != "success" {
		t.Errorf("body = %v", got)
	}
	if ts.builder.gotLen != len("some corpus text") {
		t.Errorf("builder got %d bytes", ts.builder.gotLen)
	}

	// A successful rebuild persists the corpus for the next startup.
	persisted, err := os.ReadFile(ts.corpusPath)
	if err != nil {
		t.Fatalf("corpus not persisted: %v", err)
	}
	if string(persisted) != "some corpus text" {
		t.Errorf("persisted corpus = %q", persisted)
	}
}

func TestCorpusUploadFailedBuildLeavesFileUntouched(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	if err := os.WriteFile(ts.corpusPath, []byte("original corpus"), 0o644); err != nil {
		t.Fatal(err)
	}
	ts.builder.err = errors.New("backend unreachable")

	resp, err := http.Post(ts.srv.URL+"/api/v1/corpus", "text/plain", strings.NewReader("new corpus"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}

	persisted, err := os.ReadFile(ts.corpusPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(persisted) != "original corpus" {
		t.Errorf("failed build replaced the corpus file: %q", persisted)
	}
}

func TestCorpusUploadEmpty(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	ts.builder.err = corpus.ErrEmptyCorpus

	resp, err := http.Post(ts.srv.URL+"/api/v1/corpus", "text/plain", strings.NewReader("   "))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestUserAdminRoundTrip(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)

	resp := postJSON(t, ts.srv.URL+"/api/v1/users", userRequest{UserID: "123"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("add status = %d", resp.StatusCode)
	}

	resp, err := http.Get(ts.srv.URL + "/api/v1/users")
	if err != nil {
		t.Fatal(err)
	}
	got := decode[map[string][]string](t, resp)
	if want := []string{"123", "42"}; !equalStrings(got["allowed_users"], want) {
		t.Errorf("allowed_users = %v, want %v", got["allowed_users"], want)
	}

	req, err := http.NewRequest(http.MethodDelete, ts.srv.URL+"/api/v1/users/42", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}

	ids, _ := ts.users.List(context.Background())
	if !equalStrings(ids, []string{"123"}) {
		t.Errorf("store after delete = %v", ids)
	}
}

func TestTemplateValidationOnWrite(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodPut, ts.srv.URL+"/api/v1/template",
		strings.NewReader(`{"template":"no placeholders here"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for invalid template", resp.StatusCode)
	}

	// Valid template goes through and comes back on GET.
	req, _ = http.NewRequest(http.MethodPut, ts.srv.URL+"/api/v1/template",
		strings.NewReader(`{"template":"be cool\n{context}\n{question}"}`))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.srv.URL + "/api/v1/template")
	if err != nil {
		t.Fatal(err)
	}
	got := decode[map[string]string](t, resp)
	if !strings.Contains(got["template"], "be cool") {
		t.Errorf("template = %q", got["template"])
	}
}

func TestModelSwitch(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodPut, ts.srv.URL+"/api/v1/model",
		strings.NewReader(`{"generation_model":"llama3"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	got := decode[generate.ModelSelection](t, resp)
	if got.GenerationModel != "llama3" {
		t.Errorf("generation_model = %q", got.GenerationModel)
	}
	if got.EmbeddingModel != "bge-m3" {
		t.Errorf("embedding_model reset to %q, want preserved", got.EmbeddingModel)
	}

	// Unknown backend is rejected without switching.
	req, _ = http.NewRequest(http.MethodPut, ts.srv.URL+"/api/v1/model",
		strings.NewReader(`{"generation_model":"missing"}`))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for unknown backend", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	resp, err := http.Get(ts.srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	got := decode[map[string]any](t, resp)
	if got["status"] != "ok" {
		t.Errorf("health = %v", got)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
