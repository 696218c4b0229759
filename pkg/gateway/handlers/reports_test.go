package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/voxprep/voxprep/pkg/decision"
	"github.com/voxprep/voxprep/pkg/report"
	"github.com/voxprep/voxprep/pkg/session"
)

type staticProvider struct {
	reply string
}

func (p staticProvider) Complete(ctx context.Context, prompt decision.Prompt) (string, error) {
	return p.reply, nil
}

func newTestReport(t *testing.T) (*report.Generator, *report.Report) {
	t.Helper()
	gen, err := report.NewGenerator(staticProvider{reply: "not json"}, report.NewMemoryStore(), report.GeneratorOptions{})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}

	started := time.Now().Add(-10 * time.Minute)
	ended := time.Now()
	doc := &session.Session{
		ID:         "ses_1",
		UserID:     "user_1",
		Mode:       session.ModeInterview,
		Difficulty: session.DifficultyMedium,
		SkillFocus: []session.Skill{session.SkillClarity},
		Status:     session.StatusCompleted,
		StartedAt:  &started,
		EndedAt:    &ended,
		Transcript: []session.TranscriptEntry{
			{Speaker: session.SpeakerAI, Text: "Tell me about yourself.", Timestamp: started},
			{Speaker: session.SpeakerUser, Text: "I build backend systems.", Timestamp: ended},
		},
	}
	rep, err := gen.Generate(context.Background(), doc)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return gen, rep
}

func reportsMux(gen *report.Generator) *http.ServeMux {
	h := ReportsHandler{Generator: gen}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/reports/{id}", h.Get)
	mux.HandleFunc("GET /v1/sessions/{id}/report", h.GetBySession)
	mux.HandleFunc("POST /v1/reports/{id}/share", h.Share)
	mux.HandleFunc("DELETE /v1/reports/{id}/share", h.Unshare)
	mux.HandleFunc("GET /v1/shared/{token}", h.GetShared)
	return mux
}

func TestReportsHandlerGet(t *testing.T) {
	gen, rep := newTestReport(t)
	mux := reportsMux(gen)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, authedRequest(http.MethodGet, "/v1/reports/"+rep.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var got report.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != rep.ID || !got.Fallback {
		t.Fatalf("got = %+v, want fallback report %s", got, rep.ID)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, authedRequest(http.MethodGet, "/v1/sessions/ses_1/report", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("by-session status = %d", rec.Code)
	}
}

func TestReportsHandlerShareRoundTrip(t *testing.T) {
	gen, rep := newTestReport(t)
	mux := reportsMux(gen)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, authedRequest(http.MethodPost, "/v1/reports/"+rep.ID+"/share", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("share status = %d, body %s", rec.Code, rec.Body.String())
	}
	var shared struct {
		ShareToken string `json:"share_token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &shared); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if shared.ShareToken == "" {
		t.Fatal("empty share token")
	}

	// Public fetch needs no principal, and must not expose the owner.
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/shared/"+shared.ShareToken, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("shared fetch status = %d", rec.Code)
	}
	var got report.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.UserID != "" || got.ShareToken != "" {
		t.Fatalf("public view leaks ownership fields: %+v", got)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, authedRequest(http.MethodDelete, "/v1/reports/"+rep.ID+"/share", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("unshare status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/shared/"+shared.ShareToken, nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("revoked token status = %d, want 404", rec.Code)
	}
}
