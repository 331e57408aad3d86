package optin

import (
	"fmt"
	"regexp"
	"slices"
)

// Texts are the user-facing strings. Added and AlreadyPresent take the
// user's display name (%s); Stats takes the opted-in count and the member
// count (%d, %d). They are sent as plain text.
type Texts struct {
	Prompt         string
	Button         string
	Added          string
	AlreadyPresent string
	SaveFailed     string
	OptedOut       string
	NotOptedIn     string
	Stats          string
	StatsFailed    string
}

func DefaultTexts() Texts {
	return Texts{
		Prompt:         "Щоб вас згадали, натисніть кнопку нижче:",
		Button:         "Натисніть, щоб взаємодіяти",
		Added:          "Дякую, %s! Тепер вас згадуватимуть у наступних згадках.",
		AlreadyPresent: "%s, ви вже взаємодіяли з ботом.",
		SaveFailed:     "Не вдалося зберегти вашу взаємодію. Спробуйте пізніше.",
		OptedOut:       "%s, вас більше не згадуватимуть.",
		NotOptedIn:     "%s, ви ще не взаємодіяли з ботом.",
		Stats:          "Взаємодіяли з ботом: %d з %d учасників чату.",
		StatsFailed:    "Не вдалося отримати кількість учасників чату.",
	}
}

// merged fills blank fields from DefaultTexts.
func (t Texts) merged() Texts {
	def := DefaultTexts()
	pick := func(v, d string) string {
		if v == "" {
			return d
		}
		return v
	}
	return Texts{
		Prompt:         pick(t.Prompt, def.Prompt),
		Button:         pick(t.Button, def.Button),
		Added:          pick(t.Added, def.Added),
		AlreadyPresent: pick(t.AlreadyPresent, def.AlreadyPresent),
		SaveFailed:     pick(t.SaveFailed, def.SaveFailed),
		OptedOut:       pick(t.OptedOut, def.OptedOut),
		NotOptedIn:     pick(t.NotOptedIn, def.NotOptedIn),
		Stats:          pick(t.Stats, def.Stats),
		StatsFailed:    pick(t.StatsFailed, def.StatsFailed),
	}
}

var verbRE = regexp.MustCompile(`%[-+# 0]*[0-9]*(?:\.[0-9]+)?[a-zA-Z%]`)

// verbs lists the formatting verbs of format in order, ignoring "%%".
func verbs(format string) []byte {
	var out []byte
	for _, m := range verbRE.FindAllString(format, -1) {
		if v := m[len(m)-1]; v != '%' {
			out = append(out, v)
		}
	}
	return out
}

// Validate rejects overrides whose format verbs differ from the defaults,
// which fmt would otherwise render as "%!(EXTRA ...)" or "%!s(MISSING)".
// Blank fields fall back to the defaults and always pass.
func (t Texts) Validate() error {
	def := DefaultTexts()
	fields := []struct{ key, got, want string }{
		{"added", t.Added, def.Added},
		{"already_present", t.AlreadyPresent, def.AlreadyPresent},
		{"opted_out", t.OptedOut, def.OptedOut},
		{"not_opted_in", t.NotOptedIn, def.NotOptedIn},
		{"stats", t.Stats, def.Stats},
	}
	for _, f := range fields {
		if f.got == "" {
			continue
		}
		if got, want := verbs(f.got), verbs(f.want); !slices.Equal(got, want) {
			return fmt.Errorf("texts.%s: want format verbs %q, got %q", f.key, verbSpec(want), verbSpec(got))
		}
	}
	return nil
}

func verbSpec(vs []byte) string {
	out := make([]byte, 0, 2*len(vs))
	for _, v := range vs {
		out = append(out, '%', v)
	}
	return string(out)
}
