package reasoning

import (
	"encoding/json"
	"slices"
)

// Category keys of the structured report, CIA then AAA.
const (
	Confidentiality = "confidentiality"
	Integrity       = "integrity"
	Availability    = "availability"
	Authentication  = "authentication"
	Authorization   = "authorization"
	Accounting      = "accounting"
)

// Categories lists the report categories in output order.
var Categories = []string{Confidentiality, Integrity, Availability, Authentication, Authorization, Accounting}

// Finding is one risk in a report category.
type Finding struct {
	Risk        string   `json:"risk"`
	Impact      string   `json:"impact"`
	Likelihood  string   `json:"likelihood"`
	Mitigations []string `json:"mitigations"`
	Citations   []string `json:"citations"`
}

// Report is the CIA/AAA threat model. Every category is always present in
// JSON, empty rather than omitted.
type Report struct {
	ScopeSummary       string    `json:"scope_summary"`
	Confidentiality    []Finding `json:"confidentiality"`
	Integrity          []Finding `json:"integrity"`
	Availability       []Finding `json:"availability"`
	Authentication     []Finding `json:"authentication"`
	Authorization      []Finding `json:"authorization"`
	Accounting         []Finding `json:"accounting"`
	KeyControls        []string  `json:"key_controls"`
	ResidualRiskRating string    `json:"residual_risk_rating"`
	Assumptions        []string  `json:"assumptions"`
	Sources            []string  `json:"sources"`
}

// Category returns a pointer to the named category list, or nil.
func (r *Report) Category(name string) *[]Finding {
	switch name {
	case Confidentiality:
		return &r.Confidentiality
	case Integrity:
		return &r.Integrity
	case Availability:
		return &r.Availability
	case Authentication:
		return &r.Authentication
	case Authorization:
		return &r.Authorization
	case Accounting:
		return &r.Accounting
	}
	return nil
}

// Rewrite applies f to every string in the report, citations and sources
// included.
func (r *Report) Rewrite(f func(string) string) {
	r.ScopeSummary = f(r.ScopeSummary)
	r.ResidualRiskRating = f(r.ResidualRiskRating)
	rewriteAll(r.KeyControls, f)
	rewriteAll(r.Assumptions, f)
	rewriteAll(r.Sources, f)
	for _, c := range Categories {
		findings := *r.Category(c)
		for i := range findings {
			findings[i].Risk = f(findings[i].Risk)
			findings[i].Impact = f(findings[i].Impact)
			findings[i].Likelihood = f(findings[i].Likelihood)
			rewriteAll(findings[i].Mitigations, f)
			rewriteAll(findings[i].Citations, f)
		}
	}
}

func rewriteAll(items []string, f func(string) string) {
	for i := range items {
		items[i] = f(items[i])
	}
}

// Findings returns the total number of findings.
func (r *Report) Findings() int {
	n := 0
	for _, c := range Categories {
		n += len(*r.Category(c))
	}
	return n
}

// MarshalJSON writes nil lists as [].
func (r Report) MarshalJSON() ([]byte, error) {
	type plain Report
	r.fill()
	return json.Marshal(plain(r))
}

func (r *Report) fill() {
	for _, c := range Categories {
		list := r.Category(c)
		if *list == nil {
			*list = []Finding{}
		}
		for i := range *list {
			f := &(*list)[i]
			if f.Mitigations == nil {
				f.Mitigations = []string{}
			}
			if f.Citations == nil {
				f.Citations = []string{}
			}
		}
	}
	if r.KeyControls == nil {
		r.KeyControls = []string{}
	}
	if r.Assumptions == nil {
		r.Assumptions = []string{}
	}
	if r.Sources == nil {
		r.Sources = []string{}
	}
}

// rawReport accepts the shapes completion models produce: flat category
// keys or nested "cia"/"aaa" sections.
type rawReport struct {
	Report
	CIA *struct {
		Confidentiality []Finding `json:"confidentiality"`
		Integrity       []Finding `json:"integrity"`
		Availability    []Finding `json:"availability"`
	} `json:"cia"`
	AAA *struct {
		Authentication []Finding `json:"authentication"`
		Authorization  []Finding `json:"authorization"`
		Accounting     []Finding `json:"accounting"`
	} `json:"aaa"`
}

func (raw *rawReport) flatten() Report {
	r := raw.Report
	if raw.CIA != nil {
		r.Confidentiality = append(r.Confidentiality, raw.CIA.Confidentiality...)
		r.Integrity = append(r.Integrity, raw.CIA.Integrity...)
		r.Availability = append(r.Availability, raw.CIA.Availability...)
	}
	if raw.AAA != nil {
		r.Authentication = append(r.Authentication, raw.AAA.Authentication...)
		r.Authorization = append(r.Authorization, raw.AAA.Authorization...)
		r.Accounting = append(r.Accounting, raw.AAA.Accounting...)
	}
	return r
}

// constrain caps every category at maxFindings and keeps only citations
// that resolve to known chunk IDs. resolve maps a model citation ("[2]",
// "2" or a chunk ID) to a chunk ID.
func (r *Report) constrain(maxFindings int, resolve func(string) (string, bool)) {
	for _, c := range Categories {
		list := r.Category(c)
		if maxFindings > 0 && len(*list) > maxFindings {
			*list = (*list)[:maxFindings]
		}
		for i := range *list {
			f := &(*list)[i]
			kept := make([]string, 0, len(f.Citations))
			for _, cite := range f.Citations {
				if id, ok := resolve(cite); ok && !slices.Contains(kept, id) {
					kept = append(kept, id)
				}
			}
			f.Citations = kept
		}
	}
	r.fill()
}
