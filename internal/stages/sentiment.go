package stages

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"time"

	"entpipe/internal/entity"
	"entpipe/internal/warehouse"
)

// Emotion labels the classifier distinguishes. Coding-session traffic is
// mostly neutral; the interesting signals are frustration and satisfaction.
const (
	EmotionNeutral      = "neutral"
	EmotionSatisfaction = "satisfaction"
	EmotionFrustration  = "frustration"
	EmotionConfusion    = "confusion"
	EmotionGratitude    = "gratitude"
	EmotionUrgency      = "urgency"
)

// emotionPatterns map each label to its indicator patterns.
var emotionPatterns = map[string][]string{
	EmotionSatisfaction: {
		`\b(works|working|worked)( now| perfectly| great)?\b`,
		`\b(perfect|excellent|awesome|great|nice|beautiful)\b`,
		`\b(fixed|solved|resolved|done)\b`,
		`\blgtm\b`,
		`(✅|🎉|👍)`,
	},
	EmotionFrustration: {
		`\b(still|again)\s+(broken|failing|fails|not working)\b`,
		`\b(frustrat\w+|annoying|ugh|argh|wtf)\b`,
		`\b(doesn'?t|does not|won'?t|will not)\s+work\b`,
		`\bwhy\s+(is|does|won'?t)\b.*\b(fail|break|error)`,
		`\bsame error\b`,
	},
	EmotionConfusion: {
		`\b(confus\w+|unclear|don'?t understand|not sure|no idea)\b`,
		`\bwhat (does|is) th(is|at) mean\b`,
		`\b(weird|strange|odd)\b.*\b(behavior|error|result)\b`,
		`\?{2,}`,
	},
	EmotionGratitude: {
		`\b(thanks|thank you|thx|ty|appreciated?)\b`,
		`\byou'?re (the best|amazing|a lifesaver)\b`,
		`🙏`,
	},
	EmotionUrgency: {
		`\b(urgent|asap|immediately|right away|critical|blocker|blocking)\b`,
		`\b(prod|production)\s+(is\s+)?(down|broken)\b`,
		`!{2,}`,
	},
}

var compiledEmotions map[string][]*regexp.Regexp

func init() {
	compiledEmotions = make(map[string][]*regexp.Regexp, len(emotionPatterns))
	for label, patterns := range emotionPatterns {
		for _, p := range patterns {
			re, err := regexp.Compile("(?i)" + p)
			if err == nil {
				compiledEmotions[label] = append(compiledEmotions[label], re)
			}
		}
	}
}

// Sentiment is stage 11: multi-label emotion classification over each L5
// text. The full score distribution is stored; labels under the configured
// threshold are dropped from emotions_detected.
type Sentiment struct {
	p *Pipeline
}

func (s *Sentiment) Number() int  { return 11 }
func (s *Sentiment) Name() string { return "sentiment" }

func (s *Sentiment) Run(ctx context.Context, opts Options) (*Stats, error) {
	if _, err := s.p.requireUpstream(warehouse.TableStage7, 7, opts.RunID); err != nil {
		return nil, err
	}
	messages, err := s.p.wh.SelectStage7(opts.RunID)
	if err != nil {
		return nil, err
	}

	threshold := s.p.cfg.Enrich.SentimentThreshold
	now := time.Now().UTC()
	stats := &Stats{RowsIn: len(messages)}
	var rows []entity.SentimentRow

	for _, m := range messages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if strings.TrimSpace(m.Content) == "" {
			stats.Skipped++
			continue
		}

		scores, primary, primaryScore := ClassifyEmotions(m.Content)
		var detected []string
		for _, label := range sortedLabels(scores) {
			if scores[label] >= threshold && label != EmotionNeutral {
				detected = append(detected, label)
			}
		}

		rows = append(rows, entity.SentimentRow{
			EntityID:            m.EntityID,
			SessionID:           m.SessionID,
			PrimaryEmotion:      primary,
			PrimaryEmotionScore: primaryScore,
			AllEmotionScores:    scores,
			EmotionsDetected:    detected,
			CreatedAt:           now,
			RunID:               opts.RunID,
		})
		stats.RowsOut++
	}

	if opts.DryRun {
		return stats, nil
	}
	for start := 0; start < len(rows); start += opts.BatchSize {
		end := min(start+opts.BatchSize, len(rows))
		if err := s.p.wh.InsertSentiments(rows[start:end]); err != nil {
			return nil, err
		}
	}
	return stats, nil
}

// ClassifyEmotions scores text against every emotion lexicon. Scores are
// match counts squashed into (0,1); a text matching nothing is neutral with
// score 1.
func ClassifyEmotions(text string) (scores map[string]float64, primary string, primaryScore float64) {
	scores = make(map[string]float64, len(compiledEmotions)+1)

	total := 0
	for label, patterns := range compiledEmotions {
		matches := 0
		for _, re := range patterns {
			matches += len(re.FindAllStringIndex(text, -1))
		}
		scores[label] = squash(matches)
		total += matches
	}

	if total == 0 {
		scores[EmotionNeutral] = 1.0
		return scores, EmotionNeutral, 1.0
	}
	scores[EmotionNeutral] = 0.0

	for _, label := range sortedLabels(scores) {
		if scores[label] > primaryScore {
			primary = label
			primaryScore = scores[label]
		}
	}
	return scores, primary, primaryScore
}

// squash maps a match count into (0,1): 0→0, 1→0.5, asymptotically →1.
func squash(matches int) float64 {
	if matches <= 0 {
		return 0
	}
	return float64(matches) / float64(matches+1)
}

// sortedLabels returns the labels in a stable order so ties resolve
// deterministically across runs.
func sortedLabels(scores map[string]float64) []string {
	labels := make([]string, 0, len(scores))
	for l := range scores {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels
}
