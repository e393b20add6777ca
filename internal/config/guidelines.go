package config

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	FamilyS3   = "s3"
	FamilyNCCN = "nccn"
)

// Guideline describes one guideline document and the collection extracted
// from it. Only the YAML file can set these.
type Guideline struct {
	Collection        string `yaml:"collection"`
	Family            string `yaml:"family"`
	Entity            string `yaml:"entity"`
	FullName          string `yaml:"fullName"`
	Version           string `yaml:"version"`
	Registry          string `yaml:"registry"`
	Path              string `yaml:"path"`
	StartingPage      int    `yaml:"startingPage"`
	FinalPage         int    `yaml:"finalPage"`
	FinalCleanedChunk string `yaml:"finalCleanedChunk"`
	Mark              string `yaml:"mark"`
	ImagesToSave      []int  `yaml:"imagesToSave"`
	Source            string `yaml:"source"`
}

var headingMark = regexp.MustCompile(`^#{1,6} $`)

// SourceLabel is the source written into chunks of this guideline.
func (g Guideline) SourceLabel() string {
	if g.Source != "" {
		return g.Source
	}
	name := g.FullName
	if name == "" {
		name = g.Entity
	}
	if name == "" {
		name = g.Collection
	}
	label := name + " (" + strings.ToUpper(g.Family)
	if g.Version != "" {
		label += " " + g.Version
	}
	return label + ")"
}

// S3 guidelines end at a cleaned heading, NCCN ones at a page.
func (g Guideline) validate() error {
	if strings.TrimSpace(g.Collection) == "" {
		return fmt.Errorf("collection is required")
	}
	if g.StartingPage < 1 {
		return fmt.Errorf("startingPage must be at least 1, got %d", g.StartingPage)
	}
	switch g.Family {
	case FamilyS3:
		if strings.TrimSpace(g.FinalCleanedChunk) == "" {
			return fmt.Errorf("finalCleanedChunk is required for s3 guidelines")
		}
	case FamilyNCCN:
		if g.FinalPage < g.StartingPage {
			return fmt.Errorf("finalPage %d is before startingPage %d", g.FinalPage, g.StartingPage)
		}
	default:
		return fmt.Errorf("unknown family %q (s3|nccn)", g.Family)
	}
	if g.Mark != "" && !headingMark.MatchString(g.Mark) {
		return fmt.Errorf("mark %q must be one to six '#' followed by a space", g.Mark)
	}
	for _, p := range g.ImagesToSave {
		if p < 1 {
			return fmt.Errorf("imagesToSave holds invalid page %d", p)
		}
	}
	return nil
}

func validateGuidelines(gs []Guideline) error {
	seen := make(map[string]bool, len(gs))
	for i, g := range gs {
		if err := g.validate(); err != nil {
			return fmt.Errorf("guidelines[%d]: %w", i, err)
		}
		if seen[g.Collection] {
			return fmt.Errorf("guidelines[%d]: duplicate collection %q", i, g.Collection)
		}
		seen[g.Collection] = true
	}
	return nil
}

// SourceLabels maps collection names to source labels.
func (s *Specification) SourceLabels() map[string]string {
	out := make(map[string]string, len(s.Guidelines))
	for _, g := range s.Guidelines {
		out[g.Collection] = g.SourceLabel()
	}
	return out
}
