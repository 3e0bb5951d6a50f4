// Package i18n picks the language of server-rendered report pages and holds
// their few fixed strings. Report content itself is authored per template.
package i18n

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
)

const Default = "sv"

var Supported = []string{"sv", "en"}

// DetermineLocale resolves the page locale from an explicit lang parameter,
// then the Accept-Language header by q-value, then def.
func DetermineLocale(queryLang, acceptLang string, supported []string, def string) string {
	sup := map[string]bool{}
	for _, s := range supported {
		sup[strings.ToLower(s)] = true
	}
	pick := func(lang string) (string, bool) {
		l := strings.ToLower(strings.TrimSpace(lang))
		if l == "" {
			return "", false
		}
		if sup[l] {
			return l, true
		}
		if base, _, ok := strings.Cut(l, "-"); ok && sup[base] {
			return base, true
		}
		return "", false
	}

	if v, ok := pick(queryLang); ok {
		return v
	}

	type cand struct {
		lang string
		q    float64
	}
	var cands []cand
	for _, part := range strings.Split(acceptLang, ",") {
		lang, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		q := 1.0
		if k, v, ok := strings.Cut(strings.TrimSpace(params), "="); ok && strings.TrimSpace(k) == "q" {
			parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				continue
			}
			q = parsed
		}
		if q <= 0 {
			continue
		}
		if l, ok := pick(lang); ok {
			cands = append(cands, cand{lang: l, q: q})
		}
	}
	if len(cands) > 0 {
		sort.SliceStable(cands, func(i, j int) bool { return cands[i].q > cands[j].q })
		return cands[0].lang
	}
	if v, ok := pick(def); ok {
		return v
	}
	if len(supported) > 0 {
		return strings.ToLower(supported[0])
	}
	return Default
}

// FromRequest reads ?lang= and Accept-Language.
func FromRequest(r *http.Request) string {
	return DetermineLocale(r.URL.Query().Get("lang"), r.Header.Get("Accept-Language"), Supported, Default)
}
