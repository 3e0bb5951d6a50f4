package services

import (
	"bytes"
	"encoding/csv"
	"sort"
	"strings"
)

// ExportSnapshotCSV renders the disclosed aggregates of snap in long format.
// Masked cells carry MaskedSentinel, so a small-n snapshot never leaks counts.
func ExportSnapshotCSV(snap *AggregationSnapshot) ([]byte, error) {
	disclosed := ApplySmallN(snap)
	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)
	_ = w.Write([]string{"survey_id", "data_version_hash", "question_id", "answer", "count"})
	sid := itoa(int(snap.SurveyID))
	if err := w.Write([]string{sid, snap.DataVersionHash, "", "total", disclosed.Total.String()}); err != nil {
		return nil, err
	}
	qids := make([]string, 0, len(disclosed.Questions))
	for qid := range disclosed.Questions {
		qids = append(qids, qid)
	}
	sort.Strings(qids)
	for _, qid := range qids {
		cells := disclosed.Questions[qid]
		answers := make([]string, 0, len(cells))
		for a := range cells {
			answers = append(answers, a)
		}
		sort.Strings(answers)
		for _, a := range answers {
			if err := w.Write([]string{sid, snap.DataVersionHash, qid, a, cells[a].String()}); err != nil {
				return nil, err
			}
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// ExportSchemaCSV renders question definitions to aid analysis and review.
func ExportSchemaCSV(schema SurveySchema) ([]byte, error) {
	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)
	_ = w.Write([]string{"question_id", "position", "type", "text", "options"})
	for i, q := range schema.Questions {
		rec := []string{q.ID, itoa(i + 1), string(q.Type), q.Text, strings.Join(q.Options, " | ")}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := false
	if i < 0 {
		neg = true
		i = -i
	}
	var b [20]byte
	bp := len(b)
	for i > 0 {
		bp--
		b[bp] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		bp--
		b[bp] = '-'
	}
	return string(b[bp:])
}
