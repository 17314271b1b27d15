package temporal

import (
	"os"
	"strings"

	"github.com/evoline/evoline/internal/domain/evolution"
	"github.com/evoline/evoline/internal/platform/ccda"
	"github.com/evoline/evoline/internal/platform/dataset"
)

// timeTags maps the time-bearing C-CDA element tags to event subtypes.
var timeTags = map[string]string{
	"effectiveTime": "ccda_effective_time",
	"low":           "ccda_period_start",
	"high":          "ccda_period_end",
	"time":          "ccda_time",
}

// contextTags is the set of enclosing elements that give a time point its
// clinical meaning.
var contextTags = map[string]bool{
	"encounter":               true,
	"observation":             true,
	"procedure":               true,
	"substanceAdministration": true,
	"act":                     true,
	"organizer":               true,
}

// markupEvents walks every time-bearing element of each C-CDA document and
// attaches the nearest enclosing clinical context and section title.
// Malformed documents are skipped.
func (r *run) markupEvents(docs []dataset.DocPath) []evolution.TimelineEvent {
	var events []evolution.TimelineEvent
	for _, doc := range docs {
		f, err := os.Open(doc.Path)
		if err != nil {
			r.x.logger.Warn().Str("path", doc.Path).Err(err).Msg("skipping unreadable document")
			continue
		}
		root, err := ccda.Parse(f)
		f.Close()
		if err != nil {
			r.x.logger.Warn().Str("path", doc.Path).Err(err).Msg("skipping malformed document")
			continue
		}

		root.Walk(func(node *ccda.Node) {
			subtype, ok := timeTags[node.Tag]
			if !ok {
				return
			}
			raw := node.Attr["value"]
			if raw == "" {
				raw = node.TrimmedText()
			}
			start := ParseClinicalTime(raw)
			if start == nil {
				return
			}

			ctx := node.NearestAncestor(contextTags)
			var ctxTag, code, display string
			if ctx != nil {
				ctxTag = ctx.Tag
				if codeNode := ctx.Child("code"); codeNode != nil {
					code = strings.TrimSpace(codeNode.Attr["code"])
					display = strings.TrimSpace(codeNode.Attr["displayName"])
				}
			}

			e := r.newEvent(evolution.CategoryClinicalContextTime, subtype, doc.Dataset, doc.Path)
			e.TimeStart = start
			e.Description = firstNonEmpty(display, ctxTag, "C-CDA time point")
			e.Code = code
			e.Context = map[string]string{}
			setContext(e.Context, "section_title", node.NearestSectionTitle())
			setContext(e.Context, "context_tag", ctxTag)
			setContext(e.Context, "time_tag", node.Tag)
			setContext(e.Context, "raw_time", raw)
			events = append(events, e)
		})
	}
	return events
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
