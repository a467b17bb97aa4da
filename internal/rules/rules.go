package rules

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/hanko-field/shipping-change/internal/breakdown"
	"github.com/hanko-field/shipping-change/internal/callback"
	"github.com/hanko-field/shipping-change/internal/domain"
	"github.com/hanko-field/shipping-change/internal/session"
)

const defaultRejectReason = "shipping address is not supported"

// Rules are flat per destination amounts applied to an order when its
// shipping address changes. No tax is computed; amounts are taken as written.
type Rules struct {
	RejectReason string                 `yaml:"reject_reason"`
	Countries    map[string]CountryRule `yaml:"countries"`
}

// CountryRule applies to every address in a country unless a state rule matches.
type CountryRule struct {
	Tax              string               `yaml:"tax"`
	ShippingDiscount string               `yaml:"shipping_discount"`
	Options          []OptionRule         `yaml:"options"`
	States           map[string]StateRule `yaml:"states"`
}

// StateRule overrides the country tax for one state or region.
type StateRule struct {
	Tax string `yaml:"tax"`
}

// OptionRule is a shipping option offered for a destination.
type OptionRule struct {
	ID       string `yaml:"id"`
	Label    string `yaml:"label"`
	Type     string `yaml:"type"`
	Amount   string `yaml:"amount"`
	Selected bool   `yaml:"selected"`
}

// Load reads rules from a YAML file.
func Load(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read shipping rules: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML rules. Country and state codes are
// upper-cased; option labels are stripped of markup.
func Parse(data []byte) (*Rules, error) {
	var raw Rules
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: decode shipping rules: %v", domain.ErrConfiguration, err)
	}

	policy := bluemonday.StrictPolicy()
	out := &Rules{
		RejectReason: strings.TrimSpace(raw.RejectReason),
		Countries:    make(map[string]CountryRule, len(raw.Countries)),
	}
	if out.RejectReason == "" {
		out.RejectReason = defaultRejectReason
	}

	for code, rule := range raw.Countries {
		code = strings.ToUpper(strings.TrimSpace(code))
		if len(code) != 2 {
			return nil, fmt.Errorf("%w: invalid country code %q", domain.ErrConfiguration, code)
		}
		if _, dup := out.Countries[code]; dup {
			return nil, fmt.Errorf("%w: duplicate country %s", domain.ErrConfiguration, code)
		}

		if err := checkAmount(code+" tax", rule.Tax); err != nil {
			return nil, err
		}
		if err := checkAmount(code+" shipping_discount", rule.ShippingDiscount); err != nil {
			return nil, err
		}

		states := make(map[string]StateRule, len(rule.States))
		for state, sr := range rule.States {
			state = strings.ToUpper(strings.TrimSpace(state))
			if err := checkAmount(code+"/"+state+" tax", sr.Tax); err != nil {
				return nil, err
			}
			states[state] = sr
		}
		rule.States = states

		seen := make(map[string]struct{}, len(rule.Options))
		for i := range rule.Options {
			opt := &rule.Options[i]
			opt.ID = strings.TrimSpace(opt.ID)
			opt.Label = strings.TrimSpace(policy.Sanitize(opt.Label))
			opt.Type = strings.ToUpper(strings.TrimSpace(opt.Type))
			if opt.ID == "" || opt.Label == "" {
				return nil, fmt.Errorf("%w: %s option %d needs an id and a label", domain.ErrConfiguration, code, i)
			}
			if _, dup := seen[opt.ID]; dup {
				return nil, fmt.Errorf("%w: %s option %q listed twice", domain.ErrConfiguration, code, opt.ID)
			}
			seen[opt.ID] = struct{}{}
			if err := checkAmount(code+" option "+opt.ID, opt.Amount); err != nil {
				return nil, err
			}
			switch opt.Type {
			case "", "SHIPPING", "PICKUP":
			default:
				return nil, fmt.Errorf("%w: %s option %q has unknown type %q", domain.ErrConfiguration, code, opt.ID, opt.Type)
			}
		}
		out.Countries[code] = rule
	}
	return out, nil
}

// CountryCodes returns the configured country codes in order.
func (r *Rules) CountryCodes() []string {
	codes := make([]string, 0, len(r.Countries))
	for code := range r.Countries {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// Callback returns the integrator callback applying r. Addresses without a
// matching country are rejected; matching ones are patched in one request.
func (r *Rules) Callback() callback.Func {
	return func(ctx context.Context, data callback.Data, s *session.Session) error {
		rule, ok := r.lookup(data.ShippingAddress)
		if !ok {
			return s.Reject(ctx, r.RejectReason)
		}

		tax := rule.Tax
		if data.ShippingAddress != nil {
			if sr, ok := rule.States[strings.ToUpper(strings.TrimSpace(data.ShippingAddress.State))]; ok && sr.Tax != "" {
				tax = sr.Tax
			}
		}
		if tax != "" {
			s.UpdateTax(tax)
		}
		if rule.ShippingDiscount != "" {
			s.UpdateShippingDiscount(rule.ShippingDiscount)
		}
		if len(rule.Options) > 0 {
			options, err := r.shippingOptions(rule, s.Breakdown())
			if err != nil {
				return err
			}
			s.UpdateShippingOptions(options)
		}

		_, err := s.Apply(ctx)
		return err
	}
}

func (r *Rules) lookup(addr *domain.ShippingAddress) (CountryRule, bool) {
	if addr == nil {
		return CountryRule{}, false
	}
	rule, ok := r.Countries[strings.ToUpper(strings.TrimSpace(addr.CountryCode))]
	return rule, ok
}

func (r *Rules) shippingOptions(rule CountryRule, b domain.Breakdown) ([]domain.ShippingOption, error) {
	code, err := breakdown.Currency(b)
	if err != nil {
		return nil, err
	}

	options := make([]domain.ShippingOption, 0, len(rule.Options))
	for _, opt := range rule.Options {
		option := domain.ShippingOption{
			ID:       opt.ID,
			Label:    opt.Label,
			Type:     opt.Type,
			Selected: opt.Selected,
		}
		if opt.Amount != "" {
			priced, err := breakdown.ApplyUpdate(nil, breakdown.Updates{
				domain.BreakdownShipping: {CurrencyCode: code, Value: opt.Amount},
			})
			if err != nil {
				return nil, fmt.Errorf("shipping option %s: %w", opt.ID, err)
			}
			money := priced[domain.BreakdownShipping]
			option.Amount = &money
		}
		options = append(options, option)
	}
	return options, nil
}

func checkAmount(field, raw string) error {
	if raw == "" {
		return nil
	}
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil || value.IsNegative() {
		return fmt.Errorf("%w: %s amount %q must be a non-negative decimal", domain.ErrConfiguration, field, raw)
	}
	return nil
}
