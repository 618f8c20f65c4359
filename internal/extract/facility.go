package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/ppiankov/foodmap/internal/model"
)

// facilityLabels maps the label cell of a facility page row to a field.
// Labels are matched by containment since the portal decorates them.
var facilityLabels = []struct {
	label string
	set   func(*model.Facility, string)
}{
	{"Facility Name", func(f *model.Facility, v string) { f.Name = v }},
	{"Facility Location", func(f *model.Facility, v string) { f.Address = v }},
	{"Facility Type", func(f *model.Facility, v string) { f.Kind = v }},
	{"Phone Number", func(f *model.Facility, v string) { f.PhoneNumber = v }},
}

// Facility reads the label/value table of a facility history page.
// The ward is not on the page; callers fill it in.
func Facility(doc *goquery.Document) model.Facility {
	var facility model.Facility

	doc.Find("tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.ChildrenFiltered("td")
		if cells.Length() < 2 {
			return
		}

		key := cleanText(cells.Eq(0).Text())
		value := cleanText(cells.Eq(1).Text())

		for _, field := range facilityLabels {
			if strings.Contains(key, field.label) {
				field.set(&facility, value)
				break
			}
		}
	})

	return facility
}
