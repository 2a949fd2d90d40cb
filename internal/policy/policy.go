// Package policy decides whether a classification result proves the claimed
// activity. Keyword sets and thresholds are configuration data, not logic.
package policy

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"example.com/greenproof/internal/domain"
)

// Rule maps one activity category to its acceptance criteria. An empty
// keyword set opts the category out of photo verification entirely.
type Rule struct {
	Keywords  []string `yaml:"keywords"`
	Threshold float64  `yaml:"threshold"`
}

// Catalog holds the per-category rules.
type Catalog struct {
	Rules map[domain.ActivityCategory]Rule `yaml:"categories"`
}

// DefaultCatalog returns the built-in rules. Thresholds sit in the 0.2-0.3
// range: the classifier is a coarse gate, not the source of truth.
func DefaultCatalog() Catalog {
	return Catalog{
		Rules: map[domain.ActivityCategory]Rule{
			domain.CategoryRecycling: {
				Keywords:  []string{"bottle", "plastic", "can", "carton", "recycl", "trash", "garbage", "container"},
				Threshold: 0.2,
			},
			domain.CategoryTransit: {
				Keywords:  []string{"bus", "train", "subway", "tram", "bicycle", "bike", "scooter"},
				Threshold: 0.25,
			},
			domain.CategoryEnergy: {
				Keywords:  []string{"solar", "panel", "thermostat", "radiator", "lamp", "bulb"},
				Threshold: 0.3,
			},
			// Governance activities cannot be photo-verified.
			domain.CategoryGovernance: {},
		},
	}
}

// Load reads a catalog from a YAML file.
func Load(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, err
	}

	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return Catalog{}, fmt.Errorf("failed to parse policy catalog: %w", err)
	}
	if len(catalog.Rules) == 0 {
		return Catalog{}, fmt.Errorf("policy catalog %s defines no categories", path)
	}
	return catalog, nil
}

// Knows reports whether the catalog has a rule for the category.
func (c Catalog) Knows(category domain.ActivityCategory) bool {
	_, ok := c.Rules[category]
	return ok
}

// Verify evaluates the ranked classifier output against the category rule.
// Labels are scanned in rank order; every label containing one of the rule's
// keywords (case-insensitive substring) is a candidate, and the outcome
// carries the highest-confidence candidate. Confidence ties keep the first
// candidate seen, so fixtures are reproducible for equal scores.
func (c Catalog) Verify(category domain.ActivityCategory, labels []domain.Label) domain.VerificationOutcome {
	rule, ok := c.Rules[category]
	if !ok {
		return domain.VerificationOutcome{
			Accepted: false,
			Reason:   fmt.Sprintf("no verification rule for category %q", category),
		}
	}

	if len(rule.Keywords) == 0 {
		return domain.VerificationOutcome{
			Accepted:   true,
			Confidence: domain.NeutralConfidence,
			Reason:     "category does not require photo verification",
		}
	}

	best := domain.Label{Confidence: -1}
	matched := false
	for _, label := range labels {
		name := strings.ToLower(label.Name)
		for _, keyword := range rule.Keywords {
			if strings.Contains(name, keyword) {
				if !matched || label.Confidence > best.Confidence {
					best = label
				}
				matched = true
				break
			}
		}
	}

	if !matched {
		return domain.VerificationOutcome{
			Accepted: false,
			Reason:   fmt.Sprintf("no %s-related object recognised in the photo", category),
		}
	}
	if best.Confidence <= rule.Threshold {
		return domain.VerificationOutcome{
			Accepted:     false,
			Confidence:   best.Confidence,
			MatchedLabel: best.Name,
			Reason:       fmt.Sprintf("recognised %q but confidence %.2f is below the %s threshold", best.Name, best.Confidence, category),
		}
	}

	return domain.VerificationOutcome{
		Accepted:     true,
		Confidence:   best.Confidence,
		MatchedLabel: best.Name,
		Reason:       fmt.Sprintf("recognised %q", best.Name),
	}
}
