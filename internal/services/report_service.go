package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/soaringjerry/Hubben/internal/i18n"
)

// MaskedSentinel replaces every suppressed aggregate in public output.
const MaskedSentinel = "X"

const (
	BlockText     = "text"
	BlockHeading  = "heading"
	BlockMarkdown = "markdown"
	BlockMetric   = "metric"
)

var allowedBlockTypes = map[string]bool{BlockText: true, BlockHeading: true, BlockMarkdown: true, BlockMetric: true}

type TemplateStore interface {
	GetSurvey(id int64) (*Survey, error)
	InsertTemplate(t *ReportTemplate) (*ReportTemplate, error)
	GetTemplate(id int64) (*ReportTemplate, error)
}

type ReportService struct {
	store TemplateStore
	md    goldmark.Markdown
}

func NewReportService(store TemplateStore) *ReportService {
	return &ReportService{store: store, md: goldmark.New()}
}

func (s *ReportService) CreateTemplate(actor *User, surveyID int64, blocks []ContentBlock) (*ReportTemplate, error) {
	if err := RequireRole(actor, staffRoles...); err != nil {
		return nil, err
	}
	if surveyID <= 0 {
		return nil, NewInvalidError("survey_id_required")
	}
	sv, err := s.store.GetSurvey(surveyID)
	if err != nil {
		return nil, err
	}
	if sv == nil {
		return nil, NewNotFoundError("survey_not_found")
	}
	if len(blocks) == 0 {
		return nil, NewInvalidError("template has no blocks")
	}
	for i, b := range blocks {
		if !allowedBlockTypes[b.Type] {
			return nil, NewInvalidError(fmt.Sprintf("block %d: unsupported type %q", i, b.Type))
		}
		if b.Condition != nil && b.Condition.MinTotal != nil && *b.Condition.MinTotal < 0 {
			return nil, NewInvalidError(fmt.Sprintf("block %d: min_total must be >= 0", i))
		}
	}
	return s.store.InsertTemplate(&ReportTemplate{SurveyID: surveyID, Blocks: blocks})
}

func (s *ReportService) GetTemplate(id int64) (*ReportTemplate, error) {
	t, err := s.store.GetTemplate(id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, NewNotFoundError("template_not_found")
	}
	return t, nil
}

// MaskedCount encodes as its value, or as MaskedSentinel when masked.
type MaskedCount struct {
	Value  int
	Masked bool
}

func (c MaskedCount) String() string {
	if c.Masked {
		return MaskedSentinel
	}
	return strconv.Itoa(c.Value)
}

func (c MaskedCount) MarshalJSON() ([]byte, error) {
	if c.Masked {
		return json.Marshal(MaskedSentinel)
	}
	return json.Marshal(c.Value)
}

type DisclosedMetrics struct {
	Total     MaskedCount                       `json:"total"`
	Questions map[string]map[string]MaskedCount `json:"questions,omitempty"`
	Masked    bool                              `json:"-"`
}

// ApplySmallN suppresses every aggregate of snap when its total is below the
// snapshot's own threshold.
func ApplySmallN(snap *AggregationSnapshot) DisclosedMetrics {
	masked := snap.Metrics.Total < snap.MinResponses
	out := DisclosedMetrics{Total: MaskedCount{Value: snap.Metrics.Total, Masked: masked}, Masked: masked}
	if len(snap.Metrics.Questions) > 0 {
		out.Questions = make(map[string]map[string]MaskedCount, len(snap.Metrics.Questions))
		for qid, counts := range snap.Metrics.Questions {
			cells := make(map[string]MaskedCount, len(counts))
			for k, n := range counts {
				if masked {
					n = 0
				}
				cells[k] = MaskedCount{Value: n, Masked: masked}
			}
			out.Questions[qid] = cells
		}
	}
	if masked {
		out.Total.Value = 0
	}
	return out
}

type RenderedBlock struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type RenderedReport struct {
	Blocks          []RenderedBlock `json:"blocks"`
	DataVersionHash string          `json:"data_version_hash"`
}

// Render is a pure function of its inputs. Blocks whose condition is not met
// are left out without notice.
func Render(t *ReportTemplate, snap *AggregationSnapshot, kommun string) RenderedReport {
	disclosed := ApplySmallN(snap)
	replacer := strings.NewReplacer(
		"$antal_respondenter", disclosed.Total.String(),
		"$data_version", shortHash(snap.DataVersionHash),
		"$kommun", kommun,
	)
	blocks := make([]RenderedBlock, 0, len(t.Blocks))
	for _, b := range t.Blocks {
		if !conditionMet(b.Condition, snap) {
			continue
		}
		typ := b.Type
		if typ == "" {
			typ = BlockText
		}
		blocks = append(blocks, RenderedBlock{Type: typ, Content: replacer.Replace(b.Content)})
	}
	return RenderedReport{Blocks: blocks, DataVersionHash: snap.DataVersionHash}
}

func conditionMet(c *BlockCondition, snap *AggregationSnapshot) bool {
	if c == nil || c.MinTotal == nil {
		return true
	}
	return snap.Metrics.Total >= *c.MinTotal
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

type PublicPayload struct {
	Kommun          string           `json:"kommun"`
	Blocks          []RenderedBlock  `json:"blocks"`
	DataVersionHash string           `json:"data_version_hash"`
	Metrics         DisclosedMetrics `json:"metrics"`
	SmallNBanner    bool             `json:"small_n_banner"`
	CuratedTexts    []string         `json:"curated_texts"`
}

// BuildPayload assembles the public view. Free text reaches it only through
// curated, already gated by moderation; raw response fields are never read here.
func BuildPayload(t *ReportTemplate, snap *AggregationSnapshot, kommun string, curated []string) *PublicPayload {
	rendered := Render(t, snap, kommun)
	disclosed := ApplySmallN(snap)
	texts := append([]string{}, curated...)
	return &PublicPayload{
		Kommun:          kommun,
		Blocks:          rendered.Blocks,
		DataVersionHash: rendered.DataVersionHash,
		Metrics:         disclosed,
		SmallNBanner:    disclosed.Masked,
		CuratedTexts:    texts,
	}
}

var reportPage = template.Must(template.New("report").Parse(`<!doctype html>
<html lang="{{.Lang}}"><head><meta charset="utf-8"><title>{{.Kommun}}</title></head>
<body data-version="{{.Hash}}">
{{if .Banner}}<p class="small-n">{{.BannerText}}</p>
{{end}}{{range .Blocks}}<section class="block block-{{.Type}}">{{.HTML}}</section>
{{end}}{{if .Texts}}<h3>{{.CuratedTitle}}</h3><ul class="curated">{{range .Texts}}<li>{{.}}</li>{{end}}</ul>
{{end}}</body></html>
`))

// RenderHTML renders a payload as a standalone page. Markdown is converted
// with raw HTML disabled; other content is escaped. Fixed page strings
// follow locale.
func (s *ReportService) RenderHTML(p *PublicPayload, locale string) ([]byte, error) {
	type htmlBlock struct {
		Type string
		HTML template.HTML
	}
	blocks := make([]htmlBlock, 0, len(p.Blocks))
	for _, b := range p.Blocks {
		var html template.HTML
		switch b.Type {
		case BlockMarkdown:
			var buf bytes.Buffer
			if err := s.md.Convert([]byte(b.Content), &buf); err != nil {
				return nil, fmt.Errorf("render markdown block: %w", err)
			}
			html = template.HTML(buf.String())
		case BlockHeading:
			html = template.HTML("<h2>" + template.HTMLEscapeString(b.Content) + "</h2>")
		default:
			html = template.HTML("<p>" + template.HTMLEscapeString(b.Content) + "</p>")
		}
		blocks = append(blocks, htmlBlock{Type: b.Type, HTML: html})
	}
	var out bytes.Buffer
	err := reportPage.Execute(&out, map[string]any{
		"Lang":         locale,
		"Kommun":       p.Kommun,
		"Hash":         p.DataVersionHash,
		"Banner":       p.SmallNBanner,
		"BannerText":   i18n.T(locale, "report.small_n"),
		"Blocks":       blocks,
		"Texts":        p.CuratedTexts,
		"CuratedTitle": i18n.T(locale, "report.curated"),
	})
	if err != nil {
		return nil, fmt.Errorf("render report page: %w", err)
	}
	return out.Bytes(), nil
}
