package export

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"

	"estimator/api/internal/jobdoc"
)

//go:embed templates/*.html
var templateFS embed.FS

var quoteTemplate = template.Must(template.New("quote.html").Funcs(template.FuncMap{
	"money":      formatMoney,
	"qty":        formatQty,
	"paragraphs": paragraphs,
}).ParseFS(templateFS, "templates/quote.html"))

// QuoteData is the view model for templates/quote.html.
type QuoteData struct {
	Job        jobdoc.Document
	Groups     []QuoteGroup
	Totals     jobdoc.Totals
	Contractor string
}

type QuoteGroup struct {
	Category   string
	Items      []jobdoc.LineItem
	Subtotal   float64
	Upcharge   float64
	Scope      string
	Disclaimer string
}

// BuildQuote prepares the view model. When contractor is set only the
// categories assigned to them are included and totals cover those items.
func BuildQuote(doc jobdoc.Document, contractor string) QuoteData {
	doc.Normalize()
	if contractor != "" {
		assigned := make(map[string]struct{})
		for _, c := range doc.AssignedCategories(contractor) {
			assigned[c] = struct{}{}
		}
		items := make([]jobdoc.LineItem, 0, len(doc.Items))
		for _, item := range doc.Items {
			if _, ok := assigned[item.Category]; ok {
				items = append(items, item)
			}
		}
		doc.Items = items
	}

	groups := doc.GroupByCategory()
	out := QuoteData{Job: doc, Totals: doc.Totals(), Contractor: contractor}
	for _, g := range groups {
		disclaimer := doc.SectionDisclaimers[g.Category]
		if contractor != "" {
			if text, ok := doc.ContractorSectionDisclaimers[g.Category]; ok && text != "" {
				disclaimer = text
			}
		}
		out.Groups = append(out.Groups, QuoteGroup{
			Category:   g.Category,
			Items:      g.Items,
			Subtotal:   g.Subtotal,
			Upcharge:   float64(doc.SectionUpcharges[g.Category]),
			Scope:      doc.SectionScopes[g.Category],
			Disclaimer: disclaimer,
		})
	}
	return out
}

// RenderQuoteHTML renders the quote template with provided data
func RenderQuoteHTML(data QuoteData) (string, error) {
	var buf bytes.Buffer
	if err := quoteTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func formatMoney(v float64) string {
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	whole := fmt.Sprintf("%.2f", v)
	intPart, frac := whole[:len(whole)-3], whole[len(whole)-3:]
	var b strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	return sign + "$" + b.String() + frac
}

func formatQty(n jobdoc.Number) string {
	return strings.TrimSuffix(strings.TrimRight(fmt.Sprintf("%.2f", float64(n)), "0"), ".")
}

func paragraphs(text string) []string {
	out := make([]string, 0)
	for _, p := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
