// Package classify maps a tier match plus the item's wording to an alert
// severity.
package classify

import (
	"newsguard/internal/config"
	"newsguard/internal/lexicon"
	"newsguard/internal/model"
)

type Lexicon struct {
	Danger  []string
	Success []string
	Neutral []string
}

// Hits records which lexical sets occur in a text.
type Hits struct {
	Danger  []string
	Success []string
	Neutral []string
}

// Classifier is immutable after construction; build a new one to change words.
type Classifier struct {
	danger  []lexicon.Term
	success []lexicon.Term
	neutral []lexicon.Term
}

func New(lex Lexicon) *Classifier {
	return &Classifier{
		danger:  lexicon.CompileAll(lex.Danger),
		success: lexicon.CompileAll(lex.Success),
		neutral: lexicon.CompileAll(lex.Neutral),
	}
}

// Scan returns the words from each set that occur in text.
func (c *Classifier) Scan(text string) Hits {
	t := lexicon.NewText(text)
	return Hits{
		Danger:  lexicon.Hits(c.danger, t),
		Success: lexicon.Hits(c.success, t),
		Neutral: lexicon.Hits(c.neutral, t),
	}
}

// Severity applies the rule table to the strongest tier that matched:
//
//	direct  + danger word            -> danger (also when success words are present)
//	direct  + success word           -> success
//	related + neutral word           -> primary
//	anything else, and context alone -> none
func Severity(tier model.Tier, hits Hits) model.Severity {
	switch tier {
	case model.TierDirect:
		if len(hits.Danger) > 0 {
			return model.SeverityDanger
		}
		if len(hits.Success) > 0 {
			return model.SeveritySuccess
		}
	case model.TierRelated:
		if len(hits.Neutral) > 0 {
			return model.SeverityPrimary
		}
	}
	return model.SeverityNone
}

// Classify scans text once and returns the severity for tier along with the
// lexical words that drove it.
func (c *Classifier) Classify(tier model.Tier, text string) (model.Severity, []string) {
	hits := c.Scan(text)
	sev := Severity(tier, hits)
	switch sev {
	case model.SeverityDanger:
		return sev, hits.Danger
	case model.SeveritySuccess:
		return sev, hits.Success
	case model.SeverityPrimary:
		return sev, hits.Neutral
	}
	return sev, nil
}

// Best classifies every entity match and returns the most severe result.
// Ties keep the earlier match, which is the stronger tier.
func (c *Classifier) Best(matches []model.EntityMatch, text string) (model.EntityMatch, model.Severity, []string) {
	hits := c.Scan(text)
	var (
		best      model.EntityMatch
		bestSev   = model.SeverityNone
		bestWords []string
	)
	for _, m := range matches {
		sev := Severity(m.Tier, hits)
		if sev == model.SeverityNone {
			continue
		}
		if bestSev == model.SeverityNone || sev.Rank() < bestSev.Rank() {
			best, bestSev = m, sev
			switch sev {
			case model.SeverityDanger:
				bestWords = hits.Danger
			case model.SeveritySuccess:
				bestWords = hits.Success
			default:
				bestWords = hits.Neutral
			}
		}
	}
	return best, bestSev, bestWords
}

// NewFromConfig builds a classifier from the configured word lists.
func NewFromConfig(cfg config.ClassifierConfig) *Classifier {
	return New(Lexicon{Danger: cfg.DangerWords, Success: cfg.SuccessWords, Neutral: cfg.NeutralWords})
}
