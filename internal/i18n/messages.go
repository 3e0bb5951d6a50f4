package i18n

var translations = map[string]map[string]string{
	"sv": {
		"report.small_n": "Underlaget är för litet för att visa siffror.",
		"report.curated": "Röster från föräldrar",
	},
	"en": {
		"report.small_n": "Too few responses to show figures.",
		"report.curated": "Voices from parents",
	},
}

// T returns the string for key in locale, falling back to Swedish and then to the key.
func T(locale, key string) string {
	if m, ok := translations[locale]; ok {
		if v, ok := m[key]; ok {
			return v
		}
	}
	if v, ok := translations[Default][key]; ok {
		return v
	}
	return key
}
