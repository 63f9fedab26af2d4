package driver

import (
	"sort"
	"strings"

	"github.com/xkilldash9x/autoreg/api/schemas"
)

// formField is one visible control reported by form_analysis.js.
type formField struct {
	Selector     string `json:"selector"`
	Type         string `json:"type"`
	Name         string `json:"name"`
	ID           string `json:"id"`
	Placeholder  string `json:"placeholder"`
	Autocomplete string `json:"autocomplete"`
	Label        string `json:"label"`
	Required     bool   `json:"required"`
	Filled       bool   `json:"filled"`
}

// formAnalysis is the output of form_analysis.js.
type formAnalysis struct {
	ContextSelector string      `json:"contextSelector"`
	SubmitSelector  string      `json:"submitSelector"`
	Fields          []formField `json:"fields"`
}

// hasForm reports whether the analysis found anything to fill.
func (a *formAnalysis) hasForm() bool {
	return a != nil && len(a.Fields) > 0
}

// descriptor is the lowercased text a field is matched on.
func (f formField) descriptor() string {
	parts := []string{f.Name, f.ID, f.Placeholder, f.Autocomplete, f.Label}
	d := strings.ToLower(strings.Join(parts, " "))
	return strings.NewReplacer("_", " ", "-", " ").Replace(d)
}

func (f formField) checkable() bool {
	return f.Type == "checkbox" || f.Type == "radio"
}

func (f formField) displayName() string {
	for _, s := range []string{f.Label, f.Placeholder, f.Name, f.ID} {
		if s = strings.TrimSpace(s); s != "" {
			if len(s) > 60 {
				s = s[:60]
			}
			return s
		}
	}
	return f.Selector
}

// fieldSynonyms maps well-known profile keys to the words forms use for them.
// Order matters: more specific keys are tried first.
var fieldSynonyms = []struct {
	key          string
	types        []string
	autocomplete []string
	words        []string
	exclude      []string
}{
	{key: "email", types: []string{"email"}, autocomplete: []string{"email"}, words: []string{"email", "e mail"}},
	{key: "first_name", autocomplete: []string{"given name"}, words: []string{"first name", "firstname", "given name", "fname", "forename"}},
	{key: "last_name", autocomplete: []string{"family name"}, words: []string{"last name", "lastname", "family name", "surname", "lname"}},
	{key: "phone", types: []string{"tel"}, autocomplete: []string{"tel"}, words: []string{"phone", "mobile", "telephone"}},
	{key: "company", autocomplete: []string{"organization"}, words: []string{"company", "organization", "organisation", "employer", "affiliation"}},
	{key: "job_title", autocomplete: []string{"organization title"}, words: []string{"job title", "jobtitle", "position", "role"}},
	{key: "linkedin", words: []string{"linkedin"}},
	{key: "website", types: []string{"url"}, autocomplete: []string{"url"}, words: []string{"website", "homepage"}},
	{key: "name", autocomplete: []string{"name"}, words: []string{"full name", "fullname", "your name", "name"},
		exclude: []string{"first", "last", "given", "family", "company", "user", "organization", "event"}},
}

// consentWords mark terms/privacy checkboxes.
var consentWords = []string{"terms", "privacy", "agree", "accept", "consent", "policy", "code of conduct"}

// isConsent reports whether f is a terms/consent checkbox.
func isConsent(f formField) bool {
	if f.Type != "checkbox" {
		return false
	}
	d := f.descriptor()
	for _, w := range consentWords {
		if strings.Contains(d, w) {
			return true
		}
	}
	return false
}

// matchProfileKey returns the profile key whose value belongs in f, or "".
func matchProfileKey(f formField, profile schemas.ProfileFields) string {
	if f.checkable() {
		return ""
	}
	d := f.descriptor()
	ac := strings.ToLower(strings.ReplaceAll(f.Autocomplete, "-", " "))

	for _, syn := range fieldSynonyms {
		if _, ok := profile[syn.key]; !ok {
			continue
		}
		if contains(syn.types, f.Type) || contains(syn.autocomplete, ac) {
			return syn.key
		}
	}
	for _, syn := range fieldSynonyms {
		if _, ok := profile[syn.key]; !ok {
			continue
		}
		if containsAnyWord(d, syn.exclude) {
			continue
		}
		for _, w := range syn.words {
			if containsWord(d, w) {
				return syn.key
			}
		}
	}

	// Any other profile key matches a field that names it.
	keys := make([]string, 0, len(profile))
	for k := range profile {
		if !knownKey(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		needle := strings.ToLower(strings.NewReplacer("_", " ", "-", " ").Replace(k))
		if needle != "" && containsWord(d, needle) {
			return k
		}
	}
	return ""
}

// fillStep is one control the driver will interact with.
type fillStep struct {
	Field formField
	Key   string
	Value string
}

// fillPlan is what to type, what to tick and what nobody can answer.
type fillPlan struct {
	Fill        []fillStep
	Consent     []formField
	Unsatisfied []formField
}

// planFill maps the analysed form onto the profile. Each profile key is used
// at most once, except email which may fill a confirmation field.
func planFill(a *formAnalysis, profile schemas.ProfileFields, autoAcceptTerms bool) fillPlan {
	var plan fillPlan
	if a == nil {
		return plan
	}
	used := map[string]bool{}
	for _, f := range a.Fields {
		if isConsent(f) {
			switch {
			case f.Filled:
			case autoAcceptTerms:
				plan.Consent = append(plan.Consent, f)
			case f.Required:
				plan.Unsatisfied = append(plan.Unsatisfied, f)
			}
			continue
		}

		key := matchProfileKey(f, profile)
		if key != "" && (!used[key] || key == "email") && strings.TrimSpace(profile[key]) != "" {
			used[key] = true
			plan.Fill = append(plan.Fill, fillStep{Field: f, Key: key, Value: profile[key]})
			continue
		}
		if f.Required && !f.Filled {
			plan.Unsatisfied = append(plan.Unsatisfied, f)
		}
	}
	return plan
}

// manualFieldsMessage lists unsatisfied required fields for a human.
func manualFieldsMessage(fields []formField) string {
	names := make([]string, 0, len(fields))
	for _, f := range fields {
		names = append(names, f.displayName())
	}
	return "Required fields need manual input: " + strings.Join(names, ", ")
}

func knownKey(k string) bool {
	for _, syn := range fieldSynonyms {
		if syn.key == k {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	if s == "" {
		return false
	}
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsAnyWord(text string, words []string) bool {
	for _, w := range words {
		if containsWord(text, w) {
			return true
		}
	}
	return false
}

// containsWord reports whether phrase occurs in text on word boundaries.
func containsWord(text, phrase string) bool {
	for start := 0; ; {
		i := strings.Index(text[start:], phrase)
		if i < 0 {
			return false
		}
		i += start
		end := i + len(phrase)
		if (i == 0 || !isWordByte(text[i-1])) && (end == len(text) || !isWordByte(text[end])) {
			return true
		}
		start = i + 1
	}
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9'
}
