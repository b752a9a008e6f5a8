package classify

import (
	"testing"

	"newsguard/internal/config"
	"newsguard/internal/model"
)

func testClassifier() *Classifier {
	return New(Lexicon{
		Danger:  []string{"调查", "跌停"},
		Success: []string{"发布", "涨停"},
		Neutral: []string{"减持", "说明会"},
	})
}

func TestSeverityRuleTable(t *testing.T) {
	c := testClassifier()
	cases := []struct {
		name string
		tier model.Tier
		text string
		want model.Severity
	}{
		{"direct danger", model.TierDirect, "英伟达遭调查", model.SeverityDanger},
		{"direct success", model.TierDirect, "英伟达发布新品", model.SeveritySuccess},
		{"direct tie resolves to danger", model.TierDirect, "发布会后遭调查", model.SeverityDanger},
		{"direct neutral only", model.TierDirect, "英伟达股东减持", model.SeverityNone},
		{"direct nothing", model.TierDirect, "英伟达", model.SeverityNone},
		{"related neutral", model.TierRelated, "黄仁勋减持", model.SeverityPrimary},
		{"related danger ignored", model.TierRelated, "黄仁勋遭调查", model.SeverityNone},
		{"context never alerts", model.TierContext, "半导体跌停减持说明会", model.SeverityNone},
		{"no tier", model.TierNone, "跌停", model.SeverityNone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, _ := c.Classify(tc.tier, tc.text)
			if got != tc.want {
				t.Fatalf("got %q want %q", got, tc.want)
			}
			again, _ := c.Classify(tc.tier, tc.text)
			if again != got {
				t.Fatalf("classification not deterministic")
			}
		})
	}
}

func TestBestPicksMostSevereEntity(t *testing.T) {
	c := testClassifier()
	matches := []model.EntityMatch{
		{EntityID: "A", Tier: model.TierDirect},
		{EntityID: "B", Tier: model.TierRelated},
	}
	m, sev, words := c.Best(matches, "A 遭调查，B 高管减持")
	if m.EntityID != "A" || sev != model.SeverityDanger || len(words) != 1 || words[0] != "调查" {
		t.Fatalf("best: %+v %s %v", m, sev, words)
	}
	m, sev, _ = c.Best(matches[1:], "B 高管减持")
	if m.EntityID != "B" || sev != model.SeverityPrimary {
		t.Fatalf("best related: %+v %s", m, sev)
	}
	if _, sev, _ := c.Best(nil, "anything"); sev != model.SeverityNone {
		t.Fatalf("empty matches should classify none")
	}
}

func TestDefaultWordsDoNotFireInsideEnglishWords(t *testing.T) {
	c := NewFromConfig(config.DefaultConfig().Classifier)
	sev, words := c.Classify(model.TierDirect, "NVIDIA latest GPU 发布")
	if sev != model.SeveritySuccess {
		t.Fatalf("got %q %v, want success", sev, words)
	}
	if sev, words := c.Classify(model.TierDirect, "first stock buyback"); sev != model.SeverityNone {
		t.Fatalf("got %q %v, want none", sev, words)
	}
	sev, words = c.Classify(model.TierDirect, "康美药业被实施ST")
	if sev != model.SeverityDanger || len(words) != 1 || words[0] != "ST" {
		t.Fatalf("got %q %v, want danger on ST", sev, words)
	}
}
