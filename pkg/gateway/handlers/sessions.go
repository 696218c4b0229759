package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/voxprep/voxprep/pkg/core"
	"github.com/voxprep/voxprep/pkg/metrics"
	"github.com/voxprep/voxprep/pkg/session"
)

// Session pricing: a flat per-minute rate against the prepaid balance,
// locked in full at creation.
const (
	tokensPerMinute      = 10
	minSessionTokens     = 10
	defaultQuestionCount = 5
	maxCreateBodyBytes   = 64 << 10
)

// SessionCost computes the lock amount for a target duration.
func SessionCost(target time.Duration) int64 {
	minutes := int64(target / time.Minute)
	if target%time.Minute != 0 {
		minutes++
	}
	cost := minutes * tokensPerMinute
	if cost < minSessionTokens {
		cost = minSessionTokens
	}
	return cost
}

// SessionsHandler serves POST /v1/sessions and GET /v1/sessions/{id}.
type SessionsHandler struct {
	Manager *session.Manager
	Metrics *metrics.Metrics
}

type createSessionRequest struct {
	Mode          string           `json:"mode"`
	Scenario      session.Scenario `json:"scenario"`
	Difficulty    string           `json:"difficulty"`
	TargetMinutes int              `json:"target_minutes"`
	SkillFocus    []string         `json:"skill_focus"`
	QuestionCount int              `json:"question_count,omitempty"`
}

type sessionResponse struct {
	ID             string           `json:"id"`
	Mode           string           `json:"mode"`
	Scenario       session.Scenario `json:"scenario"`
	Difficulty     string           `json:"difficulty"`
	TargetMinutes  int              `json:"target_minutes"`
	SkillFocus     []session.Skill  `json:"skill_focus"`
	Status         string           `json:"status"`
	Stage          string           `json:"stage"`
	QuestionIndex  int              `json:"question_index"`
	QuestionCount  int              `json:"question_count"`
	Interruptions  int              `json:"interruptions"`
	Probes         int              `json:"probes"`
	TokensLocked   int64            `json:"tokens_locked"`
	TokensUsed     int64            `json:"tokens_used"`
	CreatedAt      time.Time        `json:"created_at"`
	StartedAt      *time.Time       `json:"started_at,omitempty"`
	EndedAt        *time.Time       `json:"ended_at,omitempty"`
	ActualDuration string           `json:"actual_duration,omitempty"`
}

func toSessionResponse(s *session.Session) sessionResponse {
	resp := sessionResponse{
		ID:            s.ID,
		Mode:          string(s.Mode),
		Scenario:      s.Scenario,
		Difficulty:    string(s.Difficulty),
		TargetMinutes: int(s.TargetDuration / time.Minute),
		SkillFocus:    s.SkillFocus,
		Status:        string(s.Status),
		Stage:         string(s.Eval.Stage),
		QuestionIndex: s.Eval.QuestionIndex,
		QuestionCount: s.Eval.QuestionCount,
		Interruptions: s.Eval.Interruptions,
		Probes:        s.Eval.Probes,
		TokensLocked:  s.TokensLocked,
		TokensUsed:    s.TokensUsed,
		CreatedAt:     s.CreatedAt,
		StartedAt:     s.StartedAt,
		EndedAt:       s.EndedAt,
	}
	if d := s.ActualDuration(); d > 0 {
		resp.ActualDuration = d.Round(time.Second).String()
	}
	return resp
}

func (h SessionsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := callerID(r)
	if userID == "" {
		writeError(w, r, core.NewUnauthorizedError("authentication required"))
		return
	}

	switch r.Method {
	case http.MethodPost:
		h.create(w, r, userID)
	case http.MethodGet:
		h.get(w, r, userID)
	default:
		writeError(w, r, core.NewInvalidRequestError("method not allowed"))
	}
}

func (h SessionsHandler) create(w http.ResponseWriter, r *http.Request, userID string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCreateBodyBytes))
	if err != nil {
		writeError(w, r, core.NewInvalidRequestError("failed to read request body"))
		return
	}
	var req createSessionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, r, core.NewInvalidRequestError("invalid json body"))
		return
	}
	if req.TargetMinutes <= 0 {
		writeError(w, r, core.NewInvalidRequestErrorWithParam("target_minutes must be positive", "target_minutes"))
		return
	}
	questionCount := req.QuestionCount
	if questionCount <= 0 {
		questionCount = defaultQuestionCount
	}
	skills := make([]session.Skill, 0, len(req.SkillFocus))
	for _, s := range req.SkillFocus {
		skills = append(skills, session.Skill(s))
	}

	target := time.Duration(req.TargetMinutes) * time.Minute
	doc, err := h.Manager.Create(r.Context(), session.CreateParams{
		UserID:         userID,
		Mode:           session.Mode(req.Mode),
		Scenario:       req.Scenario,
		Difficulty:     session.Difficulty(req.Difficulty),
		TargetDuration: target,
		SkillFocus:     skills,
		QuestionCount:  questionCount,
		TokenCost:      SessionCost(target),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.Metrics.RecordTokens("locked", doc.TokensLocked)
	writeJSON(w, http.StatusCreated, toSessionResponse(doc))
}

func (h SessionsHandler) get(w http.ResponseWriter, r *http.Request, userID string) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, r, core.NewInvalidRequestErrorWithParam("session id is required", "id"))
		return
	}
	doc, err := h.Manager.Get(r.Context(), id, userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(doc))
}
