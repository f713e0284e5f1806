package jobdoc

// Totals is the pricing summary printed on a quote.
type Totals struct {
	Subtotal float64 `json:"subtotal"`
	TaxRate  float64 `json:"taxRate"`
	Tax      float64 `json:"tax"`
	Discount float64 `json:"discount"`
	Total    float64 `json:"total"`
}

// Totals computes subtotal + tax - discount over every line item.
func (d Document) Totals() Totals {
	var subtotal float64
	for _, item := range d.Items {
		subtotal += item.Total()
	}
	rate := float64(d.TaxRate)
	tax := subtotal * rate / 100
	discount := float64(d.Discount)
	return Totals{
		Subtotal: float64(Number(subtotal).Round(2)),
		TaxRate:  rate,
		Tax:      float64(Number(tax).Round(2)),
		Discount: float64(Number(discount).Round(2)),
		Total:    float64(Number(subtotal + tax - discount).Round(2)),
	}
}

// CategoryGroup is a run of items sharing a category.
type CategoryGroup struct {
	Category string
	Items    []LineItem
	Subtotal float64
}

// GroupByCategory groups items by category, keeping first-seen category
// order and item order within each group.
func (d Document) GroupByCategory() []CategoryGroup {
	index := make(map[string]int)
	groups := make([]CategoryGroup, 0)
	for _, item := range d.Items {
		pos, ok := index[item.Category]
		if !ok {
			pos = len(groups)
			index[item.Category] = pos
			groups = append(groups, CategoryGroup{Category: item.Category})
		}
		groups[pos].Items = append(groups[pos].Items, item)
		groups[pos].Subtotal += item.Total()
	}
	for i := range groups {
		groups[i].Subtotal = float64(Number(groups[i].Subtotal).Round(2))
	}
	return groups
}
