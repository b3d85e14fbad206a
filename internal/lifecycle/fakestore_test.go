package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/buildmode/internal/docmodel"
	"github.com/ternarybob/buildmode/internal/errs"
)

type jobEvent struct {
	ts        time.Time
	eventType string
}

// fakeJobStore is a minimal in-memory JobStore for exercising Engine
// and EvaluationService without SQLite.
type fakeJobStore struct {
	mu     sync.Mutex
	jobs   map[string]docmodel.Doc
	events map[string][]jobEvent
	now    func() time.Time
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{
		jobs:   map[string]docmodel.Doc{},
		events: map[string][]jobEvent{},
		now:    time.Now,
	}
}

func (s *fakeJobStore) Create(ctx context.Context, job docmodel.Doc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobID := docmodel.GetString(job, "metadata.job_id")
	if _, exists := s.jobs[jobID]; exists {
		return errs.NewConflict("job already exists: "+jobID, nil)
	}
	s.jobs[jobID] = docmodel.DeepCopy(job)
	return nil
}

func (s *fakeJobStore) Get(ctx context.Context, jobID string) (docmodel.Doc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, errs.NewNotFound("job", jobID)
	}
	return docmodel.DeepCopy(job), nil
}

func (s *fakeJobStore) Update(ctx context.Context, job docmodel.Doc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobID := docmodel.GetString(job, "metadata.job_id")
	if _, ok := s.jobs[jobID]; !ok {
		return errs.NewNotFound("job", jobID)
	}
	s.jobs[jobID] = docmodel.DeepCopy(job)
	return nil
}

func (s *fakeJobStore) CountActiveByOrg(ctx context.Context, orgID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, job := range s.jobs {
		if docmodel.GetString(job, "metadata.org_id") != orgID {
			continue
		}
		state := docmodel.GetString(job, "spec.status.state")
		if state == "running" || state == "waiting" {
			count++
		}
	}
	return count, nil
}

func (s *fakeJobStore) RecordEvent(ctx context.Context, orgID, jobID, eventType string, details map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[orgID] = append(s.events[orgID], jobEvent{ts: s.now(), eventType: eventType})
	return nil
}

func (s *fakeJobStore) CountEventsSince(ctx context.Context, orgID, eventType string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, e := range s.events[orgID] {
		if e.eventType == eventType && !e.ts.Before(since) {
			count++
		}
	}
	return count, nil
}

// fakeArtifactStore is a minimal in-memory ArtifactStore.
type fakeArtifactStore struct {
	mu        sync.Mutex
	artifacts map[string]docmodel.Doc
}

func newFakeArtifactStore() *fakeArtifactStore {
	return &fakeArtifactStore{artifacts: map[string]docmodel.Doc{}}
}

func (s *fakeArtifactStore) Append(ctx context.Context, artifact docmodel.Doc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := docmodel.GetString(artifact, "metadata.artifact_id")
	if _, exists := s.artifacts[id]; exists {
		return errs.NewConflict("artifact already exists: "+id, nil)
	}
	s.artifacts[id] = docmodel.DeepCopy(artifact)
	return nil
}

func (s *fakeArtifactStore) Get(ctx context.Context, artifactID string) (docmodel.Doc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[artifactID]
	if !ok {
		return nil, errs.NewNotFound("artifact", artifactID)
	}
	return docmodel.DeepCopy(a), nil
}

func (s *fakeArtifactStore) ListForJob(ctx context.Context, jobID string) ([]docmodel.Doc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []docmodel.Doc
	for _, a := range s.artifacts {
		if docmodel.GetString(a, "spec.job_ref.job_id") == jobID {
			out = append(out, docmodel.DeepCopy(a))
		}
	}
	return out, nil
}

// fakeEvaluationStore is a minimal in-memory EvaluationStore.
type fakeEvaluationStore struct {
	mu          sync.Mutex
	evaluations map[string]docmodel.Doc
}

func newFakeEvaluationStore() *fakeEvaluationStore {
	return &fakeEvaluationStore{evaluations: map[string]docmodel.Doc{}}
}

func (s *fakeEvaluationStore) Append(ctx context.Context, evaluation docmodel.Doc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := docmodel.GetString(evaluation, "metadata.evaluation_id")
	if _, exists := s.evaluations[id]; exists {
		return errs.NewConflict("evaluation already exists: "+id, nil)
	}
	s.evaluations[id] = docmodel.DeepCopy(evaluation)
	return nil
}

func (s *fakeEvaluationStore) Get(ctx context.Context, evaluationID string) (docmodel.Doc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.evaluations[evaluationID]
	if !ok {
		return nil, errs.NewNotFound("evaluation", evaluationID)
	}
	return docmodel.DeepCopy(e), nil
}

func (s *fakeEvaluationStore) ListForJob(ctx context.Context, jobID string) ([]docmodel.Doc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []docmodel.Doc
	for _, e := range s.evaluations {
		if docmodel.GetString(e, "spec.job_ref.job_id") == jobID {
			out = append(out, docmodel.DeepCopy(e))
		}
	}
	return out, nil
}

// fixedClock reports a fixed instant, advanceable between calls.
type fixedClock struct {
	t time.Time
}

func (c *fixedClock) Now() time.Time { return c.t }
