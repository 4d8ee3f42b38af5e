package screening

import (
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Keyword and code confidence constants.
const (
	keywordBaseConfidence   = 0.6
	keywordOccurrenceStep   = 0.05
	keywordOccurrenceCap    = 0.2
	keywordLongBonus        = 0.1
	keywordLongThreshold    = 10
	codeBaseConfidence      = 0.8
	codeWithTextConfidence  = 0.95
	manualConfidence        = 1.0
	rankFilenameWeight      = 3.0
	rankContentWeight       = 2.0
	rankDocumentTypeWeight  = 1.0
	confidenceRoundingScale = 1e4
)

// MatchResult is the outcome of matching one screening type against one document.
type MatchResult struct {
	Matched    bool        `json:"matched"`
	Source     MatchSource `json:"source,omitempty"`
	Confidence float64     `json:"confidence"`
	Keyword    string      `json:"keyword,omitempty"`
	Notes      string      `json:"notes,omitempty"`
}

// DocumentMatcher matches screening types against documents. It is stateless.
type DocumentMatcher struct{}

func NewDocumentMatcher() *DocumentMatcher {
	return &DocumentMatcher{}
}

// docText holds the lower-cased fields of a document so a document scanned
// against many types is folded once.
type docText struct {
	filename     string
	content      string
	documentType string
}

func foldDocument(doc *MedicalDocument) docText {
	return docText{
		filename:     strings.ToLower(doc.Filename),
		content:      strings.ToLower(doc.Content),
		documentType: strings.ToLower(doc.DocumentType),
	}
}

// Match tries filename, content, document-type and structured-code
// strategies in that order. The first strategy that matches fixes the source.
func (m *DocumentMatcher) Match(st *ScreeningType, doc *MedicalDocument) MatchResult {
	if st == nil || doc == nil {
		return MatchResult{}
	}
	return m.match(st, doc, foldDocument(doc))
}

func (m *DocumentMatcher) match(st *ScreeningType, doc *MedicalDocument, text docText) MatchResult {
	if r, ok := bestKeyword(st.FilenameKeywords, text.filename); ok {
		r.Source = SourceFilename
		r.Notes = "filename contains " + r.Keyword
		return r
	}
	if r, ok := bestKeyword(st.ContentKeywords, text.content); ok {
		r.Source = SourceContent
		r.Notes = "content contains " + r.Keyword
		return r
	}
	if r, ok := bestKeyword(st.DocumentTypeKeywords, text.documentType); ok {
		r.Source = SourceSection
		r.Notes = "document type contains " + r.Keyword
		return r
	}
	if r, ok := matchCodes(st.TriggerConditions, doc.Codes, text.content); ok {
		return r
	}
	return MatchResult{}
}

// foldKeyword puts a keyword in the same form as the folded document text.
// Sets built from literals skip NewKeywordSet, so the matcher folds again.
func foldKeyword(kw string) string {
	return strings.ToLower(strings.TrimSpace(kw))
}

// bestKeyword returns the highest-confidence keyword contained in field.
// Ties keep the keyword that appears first in the set.
func bestKeyword(keywords KeywordSet, field string) (MatchResult, bool) {
	if field == "" {
		return MatchResult{}, false
	}
	var best MatchResult
	for _, raw := range keywords {
		kw := foldKeyword(raw)
		n := strings.Count(field, kw)
		if kw == "" || n == 0 {
			continue
		}
		c := KeywordConfidence(kw, n)
		if !best.Matched || c > best.Confidence {
			best = MatchResult{Matched: true, Confidence: c, Keyword: kw}
		}
	}
	return best, best.Matched
}

// KeywordConfidence scores a keyword hit: 0.6 base, 0.05 per occurrence up to
// 0.2, and 0.1 more for keywords longer than ten characters, capped at 1.0.
func KeywordConfidence(keyword string, occurrences int) float64 {
	if occurrences <= 0 {
		return 0
	}
	c := keywordBaseConfidence + math.Min(keywordOccurrenceCap, float64(occurrences)*keywordOccurrenceStep)
	if utf8.RuneCountInString(keyword) > keywordLongThreshold {
		c += keywordLongBonus
	}
	return roundConfidence(math.Min(1.0, c))
}

func roundConfidence(c float64) float64 {
	return math.Round(c*confidenceRoundingScale) / confidenceRoundingScale
}

// matchCodes compares trigger-condition codes with codes extracted from the
// document. Systems must agree when both sides carry one.
func matchCodes(triggers []TriggerCondition, codes []DocumentCode, content string) (MatchResult, bool) {
	if len(triggers) == 0 || len(codes) == 0 {
		return MatchResult{}, false
	}
	var best MatchResult
	for _, t := range triggers {
		tc := strings.TrimSpace(t.Code)
		if tc == "" {
			continue
		}
		for _, dc := range codes {
			if !strings.EqualFold(tc, strings.TrimSpace(dc.Code)) || !systemsAgree(t.System, dc.System) {
				continue
			}
			c := codeBaseConfidence
			display := t.Display
			if strings.TrimSpace(display) == "" {
				display = dc.Display
			}
			if codeAndDisplayInContent(tc, display, content) {
				c = codeWithTextConfidence
			}
			if !best.Matched || c > best.Confidence {
				best = MatchResult{
					Matched:    true,
					Source:     SourceCode,
					Confidence: c,
					Keyword:    strings.ToLower(tc),
					Notes:      "document code " + dc.Code + " matches trigger condition",
				}
			}
		}
	}
	return best, best.Matched
}

func systemsAgree(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	return a == "" || b == "" || strings.EqualFold(a, b)
}

func codeAndDisplayInContent(code, display, content string) bool {
	display = strings.ToLower(strings.TrimSpace(display))
	if display == "" || content == "" {
		return false
	}
	return strings.Contains(content, strings.ToLower(code)) && strings.Contains(content, display)
}

// MatchAll runs Match over a patient's documents and returns every hit.
func (m *DocumentMatcher) MatchAll(st *ScreeningType, docs []*MedicalDocument) []DocumentMatch {
	var out []DocumentMatch
	for _, doc := range docs {
		if doc == nil {
			continue
		}
		r := m.match(st, doc, foldDocument(doc))
		if !r.Matched {
			continue
		}
		out = append(out, DocumentMatch{
			DocumentID:   doc.ID,
			DocumentDate: doc.EffectiveDate(),
			Source:       r.Source,
			Confidence:   r.Confidence,
			Keyword:      r.Keyword,
		})
	}
	return out
}

// Rank scores one document against many screening types in a single pass:
// 3.0 per filename keyword, 2.0 per content keyword and 1.0 per
// document-type keyword found. Zero scores are dropped; results are sorted
// by score, then name.
func (m *DocumentMatcher) Rank(types []*ScreeningType, doc *MedicalDocument) []RankedType {
	if doc == nil {
		return nil
	}
	text := foldDocument(doc)
	out := make([]RankedType, 0)
	for _, st := range types {
		if st == nil {
			continue
		}
		var score float64
		seen := make(map[string]bool)
		var matched []string
		hit := func(keywords KeywordSet, field string, weight float64) {
			if field == "" {
				return
			}
			for _, raw := range keywords {
				kw := foldKeyword(raw)
				if kw == "" || !strings.Contains(field, kw) {
					continue
				}
				score += weight
				if !seen[kw] {
					seen[kw] = true
					matched = append(matched, kw)
				}
			}
		}
		hit(st.FilenameKeywords, text.filename, rankFilenameWeight)
		hit(st.ContentKeywords, text.content, rankContentWeight)
		hit(st.DocumentTypeKeywords, text.documentType, rankDocumentTypeWeight)
		if score <= 0 {
			continue
		}
		out = append(out, RankedType{
			ScreeningTypeID: st.ID,
			Name:            st.Name,
			Score:           score,
			MatchedKeywords: matched,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out
}

// sortMatches orders evidence newest first, breaking ties by document id.
func sortMatches(ms []DocumentMatch) {
	sort.Slice(ms, func(i, j int) bool {
		if !ms[i].DocumentDate.Equal(ms[j].DocumentDate) {
			return ms[i].DocumentDate.After(ms[j].DocumentDate)
		}
		return uuidLess(ms[i].DocumentID, ms[j].DocumentID)
	})
}

func uuidLess(a, b uuid.UUID) bool {
	return strings.Compare(a.String(), b.String()) < 0
}
