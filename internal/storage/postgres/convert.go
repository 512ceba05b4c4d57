package postgres

import (
	"github.com/jkaninda/rlm/internal/storage"
)

func toRunModel(r *storage.RunRecord) RunModel {
	return RunModel{
		ID:           r.ID,
		ParentID:     r.ParentID,
		Depth:        r.Depth,
		Query:        r.Query,
		ContextChars: r.ContextChars,
		Truncated:    r.Truncated,
		Model:        r.Model,
		Status:       r.Status,
		Answer:       r.Answer,
		Error:        r.Error,
		LLMCalls:     r.LLMCalls,
		Iterations:   r.Iterations,
		DurationMS:   r.DurationMS,
		CreatedAt:    r.CreatedAt,
	}
}

func toRunRecord(m *RunModel) storage.RunRecord {
	return storage.RunRecord{
		ID:           m.ID,
		ParentID:     m.ParentID,
		Depth:        m.Depth,
		Query:        m.Query,
		ContextChars: m.ContextChars,
		Truncated:    m.Truncated,
		Model:        m.Model,
		Status:       m.Status,
		Answer:       m.Answer,
		Error:        m.Error,
		LLMCalls:     m.LLMCalls,
		Iterations:   m.Iterations,
		DurationMS:   m.DurationMS,
		CreatedAt:    m.CreatedAt.UTC(),
	}
}
