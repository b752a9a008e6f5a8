package corroborate

import "regexp"

// signalPatterns pick out the high-signal vocabulary two reports of the same
// event are likely to share.
var signalPatterns = []*regexp.Regexp{
	// tickers and latin abbreviations
	regexp.MustCompile(`[A-Z]{2,}`),
	// company names by suffix
	regexp.MustCompile(`[\x{4e00}-\x{9fa5}]{2,6}(?:股份|集团|科技|银行|证券|保险)`),
	// sharp moves
	regexp.MustCompile(`涨停|跌停|暴涨|暴跌|大涨|大跌|突破|新高|新低`),
	// policy rates
	regexp.MustCompile(`降息|加息|降准|MLF|LPR|逆回购`),
	// sectors
	regexp.MustCompile(`AI|人工智能|芯片|半导体|新能源|光伏|锂电|医药`),
}

// ExtractSignals returns the distinct signal keywords in text, in order of
// first appearance per pattern.
func ExtractSignals(text string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, re := range signalPatterns {
		for _, m := range re.FindAllString(text, -1) {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	return out
}

func shared(a, b []string) []string {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(b))
	for _, s := range b {
		set[s] = struct{}{}
	}
	var out []string
	for _, s := range a {
		if _, ok := set[s]; ok {
			out = append(out, s)
		}
	}
	return out
}
