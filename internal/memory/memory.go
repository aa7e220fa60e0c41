// Package memory holds agents' semantic memory: vector records retrieved
// by cosine similarity, and the decay pass that archives records nobody
// reads any more.
package memory

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/basket/crewdesk/internal/apperr"
	"github.com/basket/crewdesk/internal/persistence"
)

// Backend is the slice of the persistent store memory needs.
type Backend interface {
	InsertMemory(ctx context.Context, m *persistence.MemoryRecord) error
	ActiveMemories(ctx context.Context, agentID string) ([]persistence.MemoryRecord, error)
	TouchMemories(ctx context.Context, ids []string) error
}

type Service struct {
	store Backend
}

func New(store Backend) *Service {
	return &Service{store: store}
}

// Match is a retrieved record and its similarity to the query.
type Match struct {
	persistence.MemoryRecord
	Score float64 `json:"score"`
}

// Store saves a new active record for agentID.
func (s *Service) Store(ctx context.Context, agentID, content string, vector []float64, source string) (*persistence.MemoryRecord, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, apperr.New(apperr.CodeValidation, "agent id is required")
	}
	if strings.TrimSpace(content) == "" {
		return nil, apperr.New(apperr.CodeValidation, "memory content is required")
	}
	if len(vector) == 0 || norm(vector) == 0 {
		return nil, apperr.New(apperr.CodeValidation, "memory vector must be non-zero")
	}
	m := &persistence.MemoryRecord{
		AgentID: agentID,
		Content: content,
		Vector:  vector,
		Source:  source,
	}
	if err := s.store.InsertMemory(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Retrieve returns up to k of agentID's active records most similar to
// query. Every returned record is marked accessed, which is what keeps
// useful memories out of the decay pass. Records whose vector length
// differs from the query are skipped.
func (s *Service) Retrieve(ctx context.Context, agentID string, query []float64, k int) ([]Match, error) {
	if k <= 0 {
		return nil, apperr.New(apperr.CodeValidation, "k must be positive")
	}
	qn := norm(query)
	if qn == 0 {
		return nil, apperr.New(apperr.CodeValidation, "query vector must be non-zero")
	}
	records, err := s.store.ActiveMemories(ctx, agentID)
	if err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(records))
	for _, r := range records {
		if len(r.Vector) != len(query) {
			continue
		}
		rn := norm(r.Vector)
		if rn == 0 {
			continue
		}
		matches = append(matches, Match{MemoryRecord: r, Score: dot(query, r.Vector) / (qn * rn)})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	if len(matches) == 0 {
		return matches, nil
	}

	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.ID
	}
	if err := s.store.TouchMemories(ctx, ids); err != nil {
		return nil, err
	}
	for i := range matches {
		matches[i].AccessCount++
	}
	return matches, nil
}

func dot(a, b []float64) float64 {
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func norm(v []float64) float64 {
	return math.Sqrt(dot(v, v))
}
