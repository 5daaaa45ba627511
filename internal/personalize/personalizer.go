// Package personalize turns a selected phrase and a subscriber into a ready
// to send email. It performs no I/O.
package personalize

import (
	"bytes"
	"crypto/sha256"
	"embed"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"html/template"
	"strconv"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/yuin/goldmark"
	goldmarkHTML "github.com/yuin/goldmark/renderer/html"

	"phrasecast/internal/schedule"
	"phrasecast/internal/types"
)

//go:embed templates/layout.html templates/body.txt
var templateFS embed.FS

// DefaultSubjects is the subject pool used when none is configured.
var DefaultSubjects = []string{
	"Reflexiona hoy",
	"Tu momento",
	"Para ti",
	"Algo importante",
	"Tu momento de reflexión",
	"Vive plenamente",
	"Sonríe hoy",
	"Alcanza tus metas",
}

// Config holds the rendering parameters shared by every message in a run.
type Config struct {
	// Location is the service timezone used to pick the greeting.
	Location *time.Location
	// PreferencesURL is linked from every message footer. Empty omits the link.
	PreferencesURL string
	// Plans resolves the cadence line. Nil uses the default plan table.
	Plans *schedule.PlanTable
	// Subjects overrides DefaultSubjects when non-empty.
	Subjects []string
}

// Personalizer renders OutboundMessages. It is safe for reuse across runs.
type Personalizer struct {
	loc      *time.Location
	prefsURL string
	plans    *schedule.PlanTable
	subjects []string
	md       goldmark.Markdown
	htmlTmpl *template.Template
	textTmpl *texttemplate.Template
}

type layoutData struct {
	Subject        string
	Body           template.HTML
	PreferencesURL string
}

type bodyData struct {
	Greeting       string
	Cadence        string
	Text           string
	Author         string
	PreferencesURL string
}

// New parses the embedded templates and returns a Personalizer.
func New(cfg Config) (*Personalizer, error) {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	plans := cfg.Plans
	if plans == nil {
		plans = schedule.DefaultPlanTable()
	}
	subjects := cfg.Subjects
	if len(subjects) == 0 {
		subjects = DefaultSubjects
	}

	htmlTmpl, err := template.ParseFS(templateFS, "templates/layout.html")
	if err != nil {
		return nil, fmt.Errorf("personalize: failed to parse layout.html: %w", err)
	}
	textTmpl, err := texttemplate.ParseFS(templateFS, "templates/body.txt")
	if err != nil {
		return nil, fmt.Errorf("personalize: failed to parse body.txt: %w", err)
	}

	return &Personalizer{
		loc:      loc,
		prefsURL: cfg.PreferencesURL,
		plans:    plans,
		subjects: subjects,
		// Raw HTML in phrase text is escaped: WithUnsafe is not set.
		md: goldmark.New(
			goldmark.WithRendererOptions(goldmarkHTML.WithHardWraps()),
		),
		htmlTmpl: htmlTmpl,
		textTmpl: textTmpl,
	}, nil
}

// Personalize renders the message for sub. The slot fixes the greeting and
// the idempotency key, so re-rendering the same inputs yields the same
// message.
func (p *Personalizer) Personalize(item types.ContentItem, sub types.Subscriber, slot int64) (types.OutboundMessage, error) {
	subject := p.SubjectFor(item)
	data := bodyData{
		Greeting:       Greeting(slotStart(slot).In(p.loc).Hour()),
		Cadence:        p.cadence(sub.Frequency),
		Text:           item.Text,
		Author:         item.Author,
		PreferencesURL: p.prefsURL,
	}

	var mdBuf, htmlBuf, textBuf bytes.Buffer
	if err := p.md.Convert([]byte(markdownBody(data)), &mdBuf); err != nil {
		return types.OutboundMessage{}, fmt.Errorf("personalize: failed to render markdown: %w", err)
	}
	if err := p.htmlTmpl.ExecuteTemplate(&htmlBuf, "layout.html", layoutData{
		Subject:        subject,
		Body:           template.HTML(mdBuf.String()),
		PreferencesURL: p.prefsURL,
	}); err != nil {
		return types.OutboundMessage{}, fmt.Errorf("personalize: failed to render html: %w", err)
	}
	if err := p.textTmpl.ExecuteTemplate(&textBuf, "body.txt", data); err != nil {
		return types.OutboundMessage{}, fmt.Errorf("personalize: failed to render text: %w", err)
	}

	return types.OutboundMessage{
		Recipient:      sub.Email,
		SubscriberID:   sub.ID,
		Subject:        subject,
		HTMLBody:       htmlBuf.String(),
		TextBody:       textBuf.String(),
		IdempotencyKey: IdempotencyKey(subject, slot, sub.Email),
		ContentID:      item.ID,
		Slot:           slot,
	}, nil
}

// SubjectFor picks the subject line for item from the pool by
// sha256(item.ID).
func (p *Personalizer) SubjectFor(item types.ContentItem) string {
	sum := sha256.Sum256([]byte(item.ID))
	idx := binary.BigEndian.Uint64(sum[:8]) % uint64(len(p.subjects))
	return p.subjects[idx]
}

// IdempotencyKey is hex(sha256(subject + "|" + slot + "|" + email)). The
// provider deduplicates retries of the same message within a slot.
func IdempotencyKey(subject string, slot int64, email string) string {
	sum := sha256.Sum256([]byte(subject + "|" + strconv.FormatInt(slot, 10) + "|" + email))
	return hex.EncodeToString(sum[:])
}

// Greeting returns the salutation for a local hour.
func Greeting(hour int) string {
	switch {
	case hour >= 5 && hour < 12:
		return "Buenos días"
	case hour >= 12 && hour < 18:
		return "Buenas tardes"
	default:
		return "Buenas noches"
	}
}

var weekdayNames = map[time.Weekday]string{
	time.Sunday:    "domingos",
	time.Monday:    "lunes",
	time.Tuesday:   "martes",
	time.Wednesday: "miércoles",
	time.Thursday:  "jueves",
	time.Friday:    "viernes",
	time.Saturday:  "sábados",
}

func (p *Personalizer) cadence(code types.FrequencyCode) string {
	plan, _ := p.plans.Lookup(code)
	if len(plan.Weekdays) > 0 {
		days := make([]string, len(plan.Weekdays))
		for i, d := range plan.Weekdays {
			days[i] = weekdayNames[d]
		}
		return "tu frase de los " + joinSpanish(days)
	}
	if len(plan.Hours) == 1 {
		return "tu frase del día"
	}
	return fmt.Sprintf("una de tus %d frases del día", len(plan.Hours))
}

func joinSpanish(parts []string) string {
	if len(parts) < 2 {
		return strings.Join(parts, "")
	}
	return strings.Join(parts[:len(parts)-1], ", ") + " y " + parts[len(parts)-1]
}

func markdownBody(d bodyData) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s, aquí está %s:\n\n", d.Greeting, d.Cadence)
	for _, line := range strings.Split(d.Text, "\n") {
		b.WriteString("> ")
		b.WriteString(escapeMarkdown(line))
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\n**%s**\n", escapeMarkdown(d.Author))
	return b.String()
}

const markdownSpecials = "\\`*_{}[]()#+-.!<>|~&"

func escapeMarkdown(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if strings.ContainsRune(markdownSpecials, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func slotStart(slot int64) time.Time {
	return time.Unix(slot*3600, 0).UTC()
}
