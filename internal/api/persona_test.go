package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ashureev/devteam/internal/domain"
	"github.com/ashureev/devteam/internal/generation"
	"github.com/ashureev/devteam/internal/issues"
	"github.com/ashureev/devteam/internal/stream"
	"github.com/go-chi/chi/v5"
)

const loginPlan = `{"steps":[{"description":"auth","step":"s1","subtasks":[{"subtask":"t1","prompt":"p1"}]}]}`

type fakeService struct {
	mu       sync.Mutex
	state    map[string]domain.PersonaState
	planErr  error
	closed   []string
	issueReq []issues.Request
}

func newFakeService() *fakeService {
	return &fakeService{state: make(map[string]domain.PersonaState)}
}

func (f *fakeService) CreateIssue(_ context.Context, id, org, repo string, parent int64, input string) (*issues.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issueReq = append(f.issueReq, issues.Request{Org: org, Repo: repo, ParentNumber: parent, Input: input})
	st := f.state[id]
	st.ParentReference = &parent
	f.state[id] = st
	return &issues.Issue{Number: 11, Org: org, Repo: repo}, nil
}

func (f *fakeService) CreatePlan(_ context.Context, id, ask string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.state[id]
	st.Append(ask, domain.SpeakerUser)
	if f.planErr != nil {
		f.state[id] = st
		return "", f.planErr
	}
	st.Append(loginPlan, domain.SpeakerAgent)
	f.state[id] = st
	return loginPlan, nil
}

func (f *fakeService) ClosePlan(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, id)
	return nil
}

func (f *fakeService) GetLatestPlan(_ context.Context, id string) (*domain.Plan, error) {
	f.mu.Lock()
	st := f.state[id]
	f.mu.Unlock()
	item, err := st.Latest()
	if err != nil {
		return nil, err
	}
	return domain.DecodePlan(item)
}

func (f *fakeService) History(_ context.Context, id string) (domain.PersonaState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.state[id]
	return st.Clone(), nil
}

type fakePublisher struct {
	mu     sync.Mutex
	topic  string
	id     string
	events []domain.Event
	err    error
}

func (p *fakePublisher) Publish(_ context.Context, topic, id string, ev domain.Event) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ev.ID == "" {
		ev.ID = "generated-id"
	}
	p.topic, p.id = topic, id
	p.events = append(p.events, ev)
	return ev.ID, p.err
}

func newPersonaRouter(svc PersonaService, pub Publisher) http.Handler {
	r := chi.NewRouter()
	NewPersonaHandler(svc, pub, "DevPersonas", nil, nil).RegisterRoutes(r)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
}

func TestCreatePlanThenLatestPlan(t *testing.T) {
	svc := newFakeService()
	h := newPersonaRouter(svc, &fakePublisher{})

	w := do(t, h, http.MethodPost, "/api/personas/42/plans", `{"ask":"build a login page"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var created map[string]string
	decodeBody(t, w, &created)
	if created["plan"] != loginPlan {
		t.Fatalf("Unexpected plan text %q", created["plan"])
	}

	w = do(t, h, http.MethodGet, "/api/personas/42/plans/latest", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var plan domain.Plan
	decodeBody(t, w, &plan)
	if len(plan.Steps) != 1 || plan.Steps[0].Label != "s1" || plan.Steps[0].Subtasks[0].Name != "t1" {
		t.Fatalf("Unexpected plan %+v", plan)
	}

	w = do(t, h, http.MethodGet, "/api/personas/42/history", "")
	var state domain.PersonaState
	decodeBody(t, w, &state)
	if len(state.History) != 2 || state.History[0].Speaker != domain.SpeakerUser || state.History[1].Speaker != domain.SpeakerAgent {
		t.Fatalf("Unexpected history %+v", state.History)
	}
}

func TestCreatePlanGenerationTimeout(t *testing.T) {
	svc := newFakeService()
	svc.planErr = &generation.Error{Kind: generation.KindTimeout, Attempts: 4, Err: context.DeadlineExceeded}
	h := newPersonaRouter(svc, &fakePublisher{})

	w := do(t, h, http.MethodPost, "/api/personas/42/plans", `{"ask":"build a login page"}`)
	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("Expected 504, got %d", w.Code)
	}
	var body map[string]interface{}
	decodeBody(t, w, &body)
	if body["error"] != "generation_timeout" || body["attempts"] != float64(4) {
		t.Fatalf("Unexpected error body %v", body)
	}
}

func TestLatestPlanOnEmptyHistory(t *testing.T) {
	h := newPersonaRouter(newFakeService(), &fakePublisher{})

	w := do(t, h, http.MethodGet, "/api/personas/42/plans/latest", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("Expected 409, got %d", w.Code)
	}
}

func TestHistoryOfNewIdentityIsEmptyList(t *testing.T) {
	h := newPersonaRouter(newFakeService(), &fakePublisher{})

	w := do(t, h, http.MethodGet, "/api/personas/new/history", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"history":[]`) {
		t.Fatalf("Expected empty history list, got %s", w.Body.String())
	}
}

func TestCreateIssueRoute(t *testing.T) {
	svc := newFakeService()
	h := newPersonaRouter(svc, &fakePublisher{})

	w := do(t, h, http.MethodPost, "/api/personas/42/issues", `{"org":"acme","repo":"repo1","parentNumber":7,"input":"build X"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if len(svc.issueReq) != 1 || svc.issueReq[0].ParentNumber != 7 || svc.issueReq[0].Org != "acme" {
		t.Fatalf("Unexpected issue requests %+v", svc.issueReq)
	}

	w = do(t, h, http.MethodPost, "/api/personas/42/issues", `{"org":"acme","input":"build X"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 without repo, got %d", w.Code)
	}
}

func TestClosePlanRoute(t *testing.T) {
	svc := newFakeService()
	h := newPersonaRouter(svc, &fakePublisher{})

	w := do(t, h, http.MethodPost, "/api/personas/42/plans/close", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if len(svc.closed) != 1 || svc.closed[0] != "42" {
		t.Fatalf("Expected ClosePlan for 42, got %v", svc.closed)
	}
}

func TestPublishEvent(t *testing.T) {
	pub := &fakePublisher{}
	h := newPersonaRouter(newFakeService(), pub)

	w := do(t, h, http.MethodPost, "/api/personas/42/events",
		`{"type":"NewAsk","message":"build X","data":{"org":"acme","repo":"repo1","issueNumber":"7"}}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var body map[string]string
	decodeBody(t, w, &body)
	if body["id"] != "generated-id" || body["status"] != "accepted" {
		t.Fatalf("Expected assigned event id, got %v", body)
	}
	if pub.topic != "DevPersonas" || pub.id != "42" || len(pub.events) != 1 {
		t.Fatalf("Unexpected publish %q/%q %+v", pub.topic, pub.id, pub.events)
	}
	ev := pub.events[0]
	if ev.Kind != domain.EventNewAsk || ev.Data["issueNumber"] != "7" {
		t.Fatalf("Unexpected event %+v", ev)
	}
}

func TestPublishUnknownEventTypeIsFlagged(t *testing.T) {
	pub := &fakePublisher{}
	h := newPersonaRouter(newFakeService(), pub)

	w := do(t, h, http.MethodPost, "/api/personas/42/events", `{"type":"Reindex","message":"x"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", w.Code)
	}
	var body map[string]string
	decodeBody(t, w, &body)
	if body["status"] != "accepted_unhandled" {
		t.Fatalf("Expected accepted_unhandled, got %v", body)
	}
	if len(pub.events) != 1 {
		t.Fatal("Unknown event types are still published")
	}
}

func TestPublishEventRequiresType(t *testing.T) {
	h := newPersonaRouter(newFakeService(), &fakePublisher{})

	w := do(t, h, http.MethodPost, "/api/personas/42/events", `{"message":"x"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", w.Code)
	}
}

func TestPublishEventFailureKeepsID(t *testing.T) {
	pub := &fakePublisher{err: stream.ErrPartitionFull}
	h := newPersonaRouter(newFakeService(), pub)

	w := do(t, h, http.MethodPost, "/api/personas/42/events", `{"id":"ev-1","type":"NewAskPlan","message":"x"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503, got %d", w.Code)
	}
	var body map[string]string
	decodeBody(t, w, &body)
	if body["id"] != "ev-1" || body["error"] != "partition_full" {
		t.Fatalf("Unexpected body %v", body)
	}
}

func TestInvalidIdentityRejected(t *testing.T) {
	svc := newFakeService()
	h := newPersonaRouter(svc, &fakePublisher{})

	w := do(t, h, http.MethodPost, "/api/personas/bad%20id/plans", `{"ask":"x"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", w.Code)
	}
	if len(svc.state) != 0 {
		t.Fatal("Invalid identity must not reach the service")
	}
}

func TestUnknownBodyFieldsRejected(t *testing.T) {
	h := newPersonaRouter(newFakeService(), &fakePublisher{})

	w := do(t, h, http.MethodPost, "/api/personas/42/plans", `{"ask":"x","extra":true}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", w.Code)
	}
}

func TestDecodeErrorOnLatestPlan(t *testing.T) {
	svc := newFakeService()
	svc.planErr = errors.New("engine down")
	h := newPersonaRouter(svc, &fakePublisher{})

	// The failed call leaves the raw ask as the latest entry.
	_ = do(t, h, http.MethodPost, "/api/personas/42/plans", `{"ask":"not json"}`)
	w := do(t, h, http.MethodGet, "/api/personas/42/plans/latest", "")
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("Expected 422, got %d", w.Code)
	}
}
