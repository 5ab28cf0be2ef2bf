package textnorm

import (
	"encoding/json"
	"fmt"
	"os"
)

// Mishearing maps the token the assistant recognizes to the surface forms
// speech-to-text tends to produce for it.
type Mishearing struct {
	Canonical string   `json:"canonical"`
	Forms     []string `json:"forms"`
}

// Pronunciation maps a token to the phonetic spelling the avatar should say.
type Pronunciation struct {
	Token    string `json:"token"`
	Phonetic string `json:"phonetic"`
}

// Tables holds both rewrite tables. Order matters: entries are compiled in
// declaration order and overlapping forms resolve to the earliest one.
type Tables struct {
	Mishearings    []Mishearing    `json:"mishearings"`
	Pronunciations []Pronunciation `json:"pronunciations"`
}

// DefaultTables returns the built-in tables.
func DefaultTables() Tables {
	return Tables{
		Mishearings: []Mishearing{
			{Canonical: "truist", Forms: []string{"tris", "taurus", "taters"}},
			{Canonical: "watsonx", Forms: []string{"watson x", "watson x dot ai"}},
		},
		Pronunciations: []Pronunciation{
			{Token: "watsonx", Phonetic: "Watson X"},
		},
	}
}

// LoadTables reads tables from a JSON file. An empty path yields the defaults.
func LoadTables(path string) (Tables, error) {
	if path == "" {
		return DefaultTables(), nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Tables{}, fmt.Errorf("read text tables: %w", err)
	}

	var tables Tables
	if err := json.Unmarshal(raw, &tables); err != nil {
		return Tables{}, fmt.Errorf("decode text tables %s: %w", path, err)
	}
	return tables, nil
}
