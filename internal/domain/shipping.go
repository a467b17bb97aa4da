package domain

// BreakdownKey names a line item of an order amount breakdown.
type BreakdownKey string

const (
	// BreakdownItemTotal is the sum of item prices.
	BreakdownItemTotal BreakdownKey = "item_total"
	// BreakdownShipping is the shipping fee.
	BreakdownShipping BreakdownKey = "shipping"
	// BreakdownHandling is the handling fee.
	BreakdownHandling BreakdownKey = "handling"
	// BreakdownTaxTotal is the total tax charged.
	BreakdownTaxTotal BreakdownKey = "tax_total"
	// BreakdownInsurance is the shipping insurance fee.
	BreakdownInsurance BreakdownKey = "insurance"
	// BreakdownShippingDiscount is subtracted from the total.
	BreakdownShippingDiscount BreakdownKey = "shipping_discount"
	// BreakdownDiscount is subtracted from the total.
	BreakdownDiscount BreakdownKey = "discount"
)

var breakdownKeys = map[BreakdownKey]struct{}{
	BreakdownItemTotal:        {},
	BreakdownShipping:         {},
	BreakdownHandling:         {},
	BreakdownTaxTotal:         {},
	BreakdownInsurance:        {},
	BreakdownShippingDiscount: {},
	BreakdownDiscount:         {},
}

// Valid reports whether the key belongs to the enumerated breakdown keys.
func (k BreakdownKey) Valid() bool {
	_, ok := breakdownKeys[k]
	return ok
}

// IsDiscount reports whether the line item reduces the grand total.
func (k BreakdownKey) IsDiscount() bool {
	return k == BreakdownShippingDiscount || k == BreakdownDiscount
}

// Money is a decimal amount kept as a string to avoid floating point drift.
type Money struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

// Breakdown maps line items to their amounts. All values share one currency.
type Breakdown map[BreakdownKey]Money

// Clone returns a shallow copy; Money is a value type so the copy is independent.
func (b Breakdown) Clone() Breakdown {
	if b == nil {
		return nil
	}
	out := make(Breakdown, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

// Amount is the order amount object sent to the order API.
type Amount struct {
	CurrencyCode string    `json:"currency_code"`
	Value        string    `json:"value"`
	Breakdown    Breakdown `json:"breakdown,omitempty"`
}

// ShippingOption is passed through to the order API untouched.
type ShippingOption struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Type     string `json:"type,omitempty"`
	Amount   *Money `json:"amount,omitempty"`
	Selected bool   `json:"selected"`
}

// ShippingAddress is the partial address the buyer selected.
type ShippingAddress struct {
	City        string `json:"city"`
	State       string `json:"state"`
	CountryCode string `json:"country_code"`
	PostalCode  string `json:"postal_code"`
}

// ShippingChangeEvent tells whether shipping options are being added or replaced.
type ShippingChangeEvent string

const (
	// ShippingChangeAdd marks an order that has no shipping options yet.
	ShippingChangeAdd ShippingChangeEvent = "add"
	// ShippingChangeReplace marks an order with existing shipping options.
	ShippingChangeReplace ShippingChangeEvent = "replace"
)

// CallerContext carries caller identity forwarded to the order API unchanged.
type CallerContext struct {
	FacilitatorAccessToken string
	BuyerAccessToken       string
	PartnerAttributionID   string
	ForceRestAPI           bool
}

// OrderLink is a HATEOAS link returned by the order API.
type OrderLink struct {
	Href   string `json:"href"`
	Rel    string `json:"rel"`
	Method string `json:"method,omitempty"`
}

// OrderResponse is the decoded order API response.
type OrderResponse struct {
	ID     string      `json:"id"`
	Status string      `json:"status"`
	Links  []OrderLink `json:"links,omitempty"`
}
