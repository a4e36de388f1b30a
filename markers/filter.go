package markers

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// Range is an inclusive numeric bound; nil ends are open.
type Range struct {
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
}

type DateRange struct {
	From *time.Time `json:"from,omitempty"`
	To   *time.Time `json:"to,omitempty"`
}

// FilterState is one snapshot of the active company filters. Treat it as
// immutable once handed to a Fetcher.
type FilterState struct {
	Query            string   `json:"q,omitempty"`
	NaceCode         string   `json:"nace_code,omitempty"`
	CountyCode       string   `json:"county_code,omitempty"`
	MunicipalityCode string   `json:"municipality_code,omitempty"`
	OrgForms         []string `json:"org_forms,omitempty"`

	Revenue   Range `json:"revenue"`
	Profit    Range `json:"profit"`
	Equity    Range `json:"equity"`
	Employees Range `json:"employees"`

	Founded  DateRange `json:"founded"`
	Bankrupt DateRange `json:"bankrupt"`

	IsBankrupt          *bool `json:"is_bankrupt,omitempty"`
	InLiquidation       *bool `json:"in_liquidation,omitempty"`
	InForcedLiquidation *bool `json:"in_forced_liquidation,omitempty"`
	HasAccounting       *bool `json:"has_accounting,omitempty"`
}

// IsSelective reports whether the filters narrow the company set enough to
// fetch markers: an industry, an org form or a region. Numeric and date
// ranges do not count.
func (f FilterState) IsSelective() bool {
	return f.NaceCode != "" || len(f.orgForms()) > 0 || f.CountyCode != "" || f.MunicipalityCode != ""
}

// orgForms returns the non-blank org forms, sorted.
func (f FilterState) orgForms() []string {
	var forms []string
	for _, form := range f.OrgForms {
		if form = strings.TrimSpace(form); form != "" {
			forms = append(forms, form)
		}
	}
	sort.Strings(forms)
	return forms
}

// Key identifies the filter set for caching. Equal filters give equal keys
// regardless of org form order.
func (f FilterState) Key() string {
	return "markers:" + f.Values().Encode()
}

// Values encodes the filters as markers endpoint query parameters.
func (f FilterState) Values() url.Values {
	v := url.Values{}
	setString(v, "q", strings.TrimSpace(f.Query))
	setString(v, "nace_code", f.NaceCode)
	setString(v, "county_code", f.CountyCode)
	setString(v, "municipality_code", f.MunicipalityCode)

	for _, form := range f.orgForms() {
		v.Add("org_form", form)
	}

	setRange(v, "revenue", f.Revenue)
	setRange(v, "profit", f.Profit)
	setRange(v, "equity", f.Equity)
	setRange(v, "employees", f.Employees)

	setDates(v, "founded", f.Founded)
	setDates(v, "bankrupt", f.Bankrupt)

	setBool(v, "is_bankrupt", f.IsBankrupt)
	setBool(v, "in_liquidation", f.InLiquidation)
	setBool(v, "in_forced_liquidation", f.InForcedLiquidation)
	setBool(v, "has_accounting", f.HasAccounting)
	return v
}

// ParseFilters reads filters from query parameters in the format Values
// produces. Unknown parameters are ignored.
func ParseFilters(v url.Values) (FilterState, error) {
	f := FilterState{
		Query:            v.Get("q"),
		NaceCode:         v.Get("nace_code"),
		CountyCode:       v.Get("county_code"),
		MunicipalityCode: v.Get("municipality_code"),
	}
	for _, form := range v["org_form"] {
		if form = strings.TrimSpace(form); form != "" {
			f.OrgForms = append(f.OrgForms, form)
		}
	}

	var err error
	for name, r := range map[string]*Range{
		"revenue":   &f.Revenue,
		"profit":    &f.Profit,
		"equity":    &f.Equity,
		"employees": &f.Employees,
	} {
		if r.Min, err = parseFloat(v, name+"_min"); err != nil {
			return f, err
		}
		if r.Max, err = parseFloat(v, name+"_max"); err != nil {
			return f, err
		}
	}
	for name, d := range map[string]*DateRange{
		"founded":  &f.Founded,
		"bankrupt": &f.Bankrupt,
	} {
		if d.From, err = parseDate(v, name+"_from"); err != nil {
			return f, err
		}
		if d.To, err = parseDate(v, name+"_to"); err != nil {
			return f, err
		}
	}
	for name, b := range map[string]**bool{
		"is_bankrupt":           &f.IsBankrupt,
		"in_liquidation":        &f.InLiquidation,
		"in_forced_liquidation": &f.InForcedLiquidation,
		"has_accounting":        &f.HasAccounting,
	} {
		if *b, err = parseBool(v, name); err != nil {
			return f, err
		}
	}
	return f, nil
}

func setString(v url.Values, key, s string) {
	if s != "" {
		v.Set(key, s)
	}
}

func setRange(v url.Values, field string, r Range) {
	if r.Min != nil {
		v.Set(field+"_min", strconv.FormatFloat(*r.Min, 'f', -1, 64))
	}
	if r.Max != nil {
		v.Set(field+"_max", strconv.FormatFloat(*r.Max, 'f', -1, 64))
	}
}

func setDates(v url.Values, field string, d DateRange) {
	if d.From != nil {
		v.Set(field+"_from", d.From.Format(dateLayout))
	}
	if d.To != nil {
		v.Set(field+"_to", d.To.Format(dateLayout))
	}
}

func setBool(v url.Values, key string, b *bool) {
	if b != nil {
		v.Set(key, strconv.FormatBool(*b))
	}
}

func parseFloat(v url.Values, key string) (*float64, error) {
	s := v.Get(key)
	if s == "" {
		return nil, nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q", key, s)
	}
	return &n, nil
}

func parseDate(v url.Values, key string) (*time.Time, error) {
	s := v.Get(key)
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q", key, s)
	}
	return &t, nil
}

func parseBool(v url.Values, key string) (*bool, error) {
	s := v.Get(key)
	if s == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q", key, s)
	}
	return &b, nil
}
