package dispatch

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"newsguard/internal/model"
)

// AlertKind selects one of the fixed payload shapes.
type AlertKind string

const (
	KindSingle  AlertKind = "single"
	KindSummary AlertKind = "summary"
	KindTest    AlertKind = "test"
)

var ErrInvalidAlert = errors.New("dispatch: invalid alert")

// Alert is the request handed to the dispatcher. Which fields are required
// depends on Kind; Validate enforces it.
type Alert struct {
	Kind       AlertKind
	Severity   model.Severity
	EntityID   string
	EntityName string
	Keywords   []string
	SourceID   string
	Title      string
	URL        string
	// Count is the number of records a summary covers.
	Count            int
	CorroboratedWith string
	At               time.Time
}

func (a Alert) Validate() error {
	if !a.Severity.Valid() {
		return fmt.Errorf("%w: severity %q", ErrInvalidAlert, a.Severity)
	}
	switch a.Kind {
	case KindSingle:
		if a.EntityID == "" || strings.TrimSpace(a.Title) == "" {
			return fmt.Errorf("%w: single alert needs entity and title", ErrInvalidAlert)
		}
	case KindSummary:
		if a.EntityID == "" || a.Count < 1 {
			return fmt.Errorf("%w: summary needs entity and a positive count", ErrInvalidAlert)
		}
	case KindTest:
	default:
		return fmt.Errorf("%w: kind %q", ErrInvalidAlert, a.Kind)
	}
	return nil
}

// Payload is the JSON body posted to the webhook.
type Payload struct {
	ReportType  string         `json:"report_type"`
	Severity    model.Severity `json:"severity"`
	Timestamp   string         `json:"timestamp"`
	TotalTitles int            `json:"total_titles"`
	Text        string         `json:"text"`
	CardColor   string         `json:"card_color"`
	SourceURL   string         `json:"source_url"`
}

type style struct {
	title string
	level string
	color string
}

var styles = map[model.Severity]style{
	model.SeverityDanger:  {title: "🚨 红色高危预警", level: "高危", color: "red"},
	model.SeveritySuccess: {title: "📈 绿色利好预警", level: "利好", color: "green"},
	model.SeverityPrimary: {title: "📢 蓝色动向提醒", level: "关注", color: "blue"},
}

const defaultSourceURL = "https://github.com"

// BuildPayload renders a validated alert. Timestamps use loc, or UTC when
// loc is nil.
func BuildPayload(a Alert, loc *time.Location) (Payload, error) {
	if err := a.Validate(); err != nil {
		return Payload{}, err
	}
	st := styles[a.Severity]
	at := a.At
	if at.IsZero() {
		at = time.Now()
	}
	if loc == nil {
		loc = time.UTC
	}

	p := Payload{
		ReportType:  st.title,
		Severity:    a.Severity,
		Timestamp:   at.In(loc).Format(time.RFC3339),
		TotalTitles: 1,
		CardColor:   st.color,
		SourceURL:   a.URL,
	}
	if p.SourceURL == "" {
		p.SourceURL = defaultSourceURL
	}

	var b strings.Builder
	switch a.Kind {
	case KindTest:
		p.TotalTitles = 5
		fmt.Fprintf(&b, "【测试股票 (TEST001)】\n预警等级: %s\n命中关键词: 测试关键词, 预警测试\n来源: newsguard\n", st.level)
		b.WriteString("这是一条测试预警消息，用于验证 Webhook 配置是否正确。")
	default:
		name := a.EntityName
		if name == "" {
			name = a.EntityID
		}
		keywords := "无"
		if len(a.Keywords) > 0 {
			keywords = strings.Join(a.Keywords, ", ")
		}
		source := a.SourceID
		if source == "" {
			source = "未知"
		}
		title := a.Title
		if title == "" {
			title = "无标题"
		}
		fmt.Fprintf(&b, "【%s (%s)】\n预警等级: %s\n命中关键词: %s\n来源: %s\n标题: %s",
			name, a.EntityID, st.level, keywords, source, title)
		if a.CorroboratedWith != "" {
			fmt.Fprintf(&b, "\n多源印证: %s", a.CorroboratedWith)
		}
		if a.Kind == KindSummary {
			p.TotalTitles = a.Count
			fmt.Fprintf(&b, "\n(已聚合 %d 条相关消息)", a.Count)
		}
	}
	p.Text = b.String()
	return p, nil
}

// TestAlert returns the fixed verification alert for a severity.
func TestAlert(sev model.Severity) Alert {
	if !sev.Valid() {
		sev = model.SeverityDanger
	}
	return Alert{Kind: KindTest, Severity: sev, EntityID: "TEST001", EntityName: "测试股票"}
}
