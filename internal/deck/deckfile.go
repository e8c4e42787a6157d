package deck

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/yangwenmai/deckforge/internal/model"
)

// Deck is the input of a run: a titled list of slides, optionally backed by a
// source page whose text becomes the topic context of slides that have none.
//
//	title: Solar in 2026
//	source_url: https://example.com/solar
//	slides:
//	  - title: Adoption
//	    topic_context: Rooftop installs doubled since 2024.
//	  - title: Storage
type Deck struct {
	Title     string      `yaml:"title" json:"title"`
	SourceURL string      `yaml:"source_url,omitempty" json:"source_url,omitempty"`
	Slides    []SlideSpec `yaml:"slides" json:"slides"`
}

// SlideSpec is one slide of a Deck. Its position in Slides is its index.
type SlideSpec struct {
	Title        string `yaml:"title" json:"title"`
	TopicContext string `yaml:"topic_context,omitempty" json:"topic_context,omitempty"`
}

// ParseDeck decodes a YAML (or JSON) deck document.
func ParseDeck(data []byte) (*Deck, error) {
	var d Deck
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse deck: %w", err)
	}
	return &d, nil
}

// LoadDeckFile reads and parses a deck file.
func LoadDeckFile(path string) (*Deck, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read deck file: %w", err)
	}
	return ParseDeck(data)
}

// Validate checks that the deck can be run.
func (d *Deck) Validate() error {
	if len(d.Slides) == 0 {
		return fmt.Errorf("deck has no slides")
	}
	for i, s := range d.Slides {
		if strings.TrimSpace(s.Title) == "" && strings.TrimSpace(s.TopicContext) == "" {
			return fmt.Errorf("slide %d needs a title or topic_context", i)
		}
	}
	return nil
}

// Tasks turns the deck into slide tasks. Slides without their own topic
// context use sourceText, and failing that their title.
func (d *Deck) Tasks(sourceText string) []model.SlideTask {
	tasks := make([]model.SlideTask, len(d.Slides))
	for i, s := range d.Slides {
		topic := strings.TrimSpace(s.TopicContext)
		if topic == "" {
			topic = strings.TrimSpace(sourceText)
		}
		if topic == "" {
			topic = s.Title
		}
		tasks[i] = model.SlideTask{Index: i, Title: strings.TrimSpace(s.Title), TopicContext: topic}
	}
	return tasks
}

// DisplayTitle returns the deck title or a placeholder.
func (d *Deck) DisplayTitle() string {
	if t := strings.TrimSpace(d.Title); t != "" {
		return t
	}
	return "Untitled deck"
}
