package stages

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/tsawler/prose/v3"

	"entpipe/internal/entity"
	"entpipe/internal/textutil"
	"entpipe/internal/warehouse"
)

// keywordStopwords are high-frequency tokens that survive the POS filter
// but carry no topical signal in session traffic.
var keywordStopwords = map[string]bool{
	"thing": true, "things": true, "way": true, "ways": true,
	"time": true, "times": true, "part": true, "parts": true,
	"lot": true, "bit": true, "kind": true, "sort": true,
	"something": true, "anything": true, "everything": true, "nothing": true,
	"someone": true, "anyone": true, "stuff": true, "case": true,
	"good": true, "bad": true, "new": true, "old": true, "other": true,
	"same": true, "different": true, "able": true, "sure": true,
}

// Keywords is stage 12: extract the top-N scored keywords per L5 message.
// Nouns and adjectives are kept, scored by term frequency. Texts below the
// minimum length yield an empty keyword list.
type Keywords struct {
	p *Pipeline
}

func (s *Keywords) Number() int  { return 12 }
func (s *Keywords) Name() string { return "keywords" }

func (s *Keywords) Run(ctx context.Context, opts Options) (*Stats, error) {
	if _, err := s.p.requireUpstream(warehouse.TableStage7, 7, opts.RunID); err != nil {
		return nil, err
	}
	messages, err := s.p.wh.SelectStage7(opts.RunID)
	if err != nil {
		return nil, err
	}

	topN := s.p.cfg.Enrich.KeywordTopN
	minLength := s.p.cfg.Enrich.KeywordMinLength
	now := time.Now().UTC()
	stats := &Stats{RowsIn: len(messages)}
	var rows []entity.KeywordRow

	for _, m := range messages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if strings.TrimSpace(m.Content) == "" {
			stats.Skipped++
			continue
		}

		row := entity.KeywordRow{
			EntityID:  m.EntityID,
			SessionID: m.SessionID,
			CreatedAt: now,
			RunID:     opts.RunID,
		}

		if len(m.Content) >= minLength {
			keywords, err := extractKeywords(m.Content, topN)
			if err != nil {
				s.p.signal(12, m.EntityID, SignalParseFailed, err.Error(), opts.RunID)
				stats.Signals++
			} else if len(keywords) > 0 {
				row.Keywords = keywords
				row.TopKeyword = keywords[0].Keyword
				row.TopKeywordScore = keywords[0].Score
			}
		}

		rows = append(rows, row)
		stats.RowsOut++
	}

	if opts.DryRun {
		return stats, nil
	}
	for start := 0; start < len(rows); start += opts.BatchSize {
		end := min(start+opts.BatchSize, len(rows))
		if err := s.p.wh.InsertKeywords(rows[start:end]); err != nil {
			return nil, err
		}
	}
	return stats, nil
}

// extractKeywords POS-tags the text and scores noun/adjective tokens by
// term frequency. Ties break alphabetically for run-to-run determinism.
func extractKeywords(text string, topN int) ([]entity.Keyword, error) {
	limited, _ := textutil.TruncateText(text, 8000)
	doc, err := prose.NewDocument(limited, prose.WithExtraction(false))
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	kept := 0
	for _, tok := range doc.Tokens() {
		if !keepTag(tok.Tag) {
			continue
		}
		word := strings.ToLower(strings.Trim(tok.Text, ".,;:!?\"'`()[]{}"))
		if len(word) < 3 || keywordStopwords[word] {
			continue
		}
		counts[word]++
		kept++
	}
	if kept == 0 {
		return nil, nil
	}

	keywords := make([]entity.Keyword, 0, len(counts))
	for word, n := range counts {
		keywords = append(keywords, entity.Keyword{
			Keyword: word,
			Score:   float64(n) / float64(kept),
		})
	}
	sort.Slice(keywords, func(i, j int) bool {
		if keywords[i].Score != keywords[j].Score {
			return keywords[i].Score > keywords[j].Score
		}
		return keywords[i].Keyword < keywords[j].Keyword
	})
	if len(keywords) > topN {
		keywords = keywords[:topN]
	}
	return keywords, nil
}

// keepTag keeps nouns and adjectives (Penn Treebank tags).
func keepTag(tag string) bool {
	return strings.HasPrefix(tag, "NN") || strings.HasPrefix(tag, "JJ")
}
