package services

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"
)

type AggregationStore interface {
	GetSurvey(id int64) (*Survey, error)
	// ListResponsesBySurvey returns a consistent read of fully written responses.
	ListResponsesBySurvey(surveyID int64) ([]*SurveyResponse, error)
	UpsertSnapshot(snap *AggregationSnapshot) error
	GetSnapshot(surveyID int64) (*AggregationSnapshot, error)
}

// AggregationService computes snapshots on demand. There is no history: a
// rebuild overwrites the previous snapshot for the survey.
type AggregationService struct {
	store AggregationStore
	now   func() time.Time
}

func NewAggregationService(store AggregationStore) *AggregationService {
	return &AggregationService{store: store, now: func() time.Time { return time.Now().UTC() }}
}

func (s *AggregationService) BuildSnapshotForSurvey(surveyID int64) (*AggregationSnapshot, error) {
	sv, err := s.store.GetSurvey(surveyID)
	if err != nil {
		return nil, err
	}
	if sv == nil {
		return nil, NewNotFoundError("survey_not_found")
	}
	return s.build(sv, sv.MinResponsesDefault)
}

func (s *AggregationService) BuildSnapshot(surveyID int64, minResponses int) (*AggregationSnapshot, error) {
	if minResponses < 0 {
		return nil, NewInvalidError("min_responses must be >= 0")
	}
	sv, err := s.store.GetSurvey(surveyID)
	if err != nil {
		return nil, err
	}
	if sv == nil {
		return nil, NewNotFoundError("survey_not_found")
	}
	return s.build(sv, minResponses)
}

func (s *AggregationService) Snapshot(surveyID int64) (*AggregationSnapshot, error) {
	return s.store.GetSnapshot(surveyID)
}

func (s *AggregationService) build(sv *Survey, minResponses int) (*AggregationSnapshot, error) {
	responses, err := s.store.ListResponsesBySurvey(sv.ID)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(responses))
	for _, r := range responses {
		ids = append(ids, r.ID)
	}
	hash, err := DataVersionHash(ids)
	if err != nil {
		return nil, err
	}
	snap := &AggregationSnapshot{
		SurveyID:        sv.ID,
		DataVersionHash: hash,
		Metrics:         computeMetrics(sv.Schema, responses),
		MinResponses:    minResponses,
		ComputedAt:      s.now(),
	}
	if err := s.store.UpsertSnapshot(snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// DataVersionHash fingerprints a response set independent of the order ids are given in.
func DataVersionHash(ids []int64) (string, error) {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	b, err := json.Marshal(sorted)
	if err != nil {
		return "", fmt.Errorf("encode response ids: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

func computeMetrics(schema SurveySchema, responses []*SurveyResponse) Metrics {
	m := Metrics{Total: len(responses)}
	for _, q := range schema.Questions {
		switch q.Type {
		case QuestionScale, QuestionSingleChoice, QuestionMultiChoice:
		default:
			continue
		}
		counts := make(map[string]int, len(q.Options))
		for _, opt := range q.Options {
			counts[opt] = 0
		}
		for _, r := range responses {
			v, ok := r.Answers[q.ID]
			if !ok || v == nil {
				continue
			}
			if list, isList := v.([]any); isList && q.Type == QuestionMultiChoice {
				for _, el := range list {
					counts[answerKey(el)]++
				}
				continue
			}
			counts[answerKey(v)]++
		}
		if m.Questions == nil {
			m.Questions = map[string]map[string]int{}
		}
		m.Questions[q.ID] = counts
	}
	return m
}

func answerKey(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}
