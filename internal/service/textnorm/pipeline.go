package textnorm

import "fmt"

// Pipeline bundles the two rewrite passes. It is immutable once built and
// safe for concurrent use.
type Pipeline struct {
	corrector  *MishearingCorrector
	pronouncer *Pronouncer
}

// NewPipeline compiles both tables.
func NewPipeline(tables Tables) (*Pipeline, error) {
	corrector, err := NewMishearingCorrector(tables.Mishearings)
	if err != nil {
		return nil, fmt.Errorf("compile mishearing table: %w", err)
	}
	pronouncer, err := NewPronouncer(tables.Pronunciations)
	if err != nil {
		return nil, fmt.Errorf("compile pronunciation table: %w", err)
	}
	return &Pipeline{corrector: corrector, pronouncer: pronouncer}, nil
}

// CorrectMishearings is applied to outgoing queries.
func (p *Pipeline) CorrectMishearings(text string) string {
	return p.corrector.Correct(text)
}

// AnnotatePronunciation is applied to incoming responses.
func (p *Pipeline) AnnotatePronunciation(text string) string {
	return p.pronouncer.Annotate(text)
}
