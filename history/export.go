// ABOUTME: Renders the reconciled archive as Markdown, HTML, or YAML transcripts.
// ABOUTME: HTML is produced by converting the Markdown rendering with goldmark.
package history

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/hiratazx/SeiyoHighFork-sub002/story"
	"github.com/yuin/goldmark"
	"gopkg.in/yaml.v3"
)

// ExportOptions controls which optional fields appear in rendered transcripts.
type ExportOptions struct {
	Title            string
	WithTranslations bool
	WithMotivations  bool
}

// Markdown renders days as a Markdown document: one heading per day, one
// subheading per segment, one bullet per line.
func Markdown(days []story.DayLog, opts ExportOptions) string {
	var out strings.Builder

	title := opts.Title
	if title == "" {
		title = "Story History"
	}
	fmt.Fprintf(&out, "# %s\n", title)

	for _, d := range days {
		fmt.Fprintln(&out)
		fmt.Fprintf(&out, "## Day %d\n", d.Day)
		for _, s := range d.Segments {
			fmt.Fprintln(&out)
			fmt.Fprintf(&out, "### %s\n", s.Segment)
			fmt.Fprintln(&out)
			for _, e := range s.Dialogue {
				fmt.Fprintf(&out, "- **%s**: %s\n", e.Speaker, e.Dialogue)
				if opts.WithTranslations && e.DialogueTranslation != "" {
					fmt.Fprintf(&out, "  - _%s_\n", e.DialogueTranslation)
				}
				if opts.WithMotivations && e.Motivation != "" {
					fmt.Fprintf(&out, "  - (%s)\n", e.Motivation)
				}
			}
		}
	}
	return out.String()
}

// HTML renders days as an HTML fragment. Raw HTML in dialogue is not passed
// through by goldmark's default renderer.
func HTML(days []story.DayLog, opts ExportOptions) (string, error) {
	var buf bytes.Buffer
	md := goldmark.New()
	if err := md.Convert([]byte(Markdown(days, opts)), &buf); err != nil {
		return "", fmt.Errorf("render history html: %w", err)
	}
	return buf.String(), nil
}

// YamlLine is the YAML shape of one dialogue line.
type YamlLine struct {
	ID          string `yaml:"id"`
	Speaker     string `yaml:"speaker"`
	Dialogue    string `yaml:"dialogue"`
	Translation string `yaml:"translation,omitempty"`
	Motivation  string `yaml:"motivation,omitempty"`
}

// YamlSegment is the YAML shape of one segment.
type YamlSegment struct {
	Name  string     `yaml:"name"`
	Lines []YamlLine `yaml:"lines"`
}

// YamlDay is the YAML shape of one day.
type YamlDay struct {
	Day      int           `yaml:"day"`
	Segments []YamlSegment `yaml:"segments"`
}

// YamlHistory is the top-level YAML document.
type YamlHistory struct {
	Title string    `yaml:"title,omitempty"`
	Days  []YamlDay `yaml:"days"`
}

// YAML renders days as a YAML document.
func YAML(days []story.DayLog, opts ExportOptions) (string, error) {
	doc := YamlHistory{Title: opts.Title, Days: make([]YamlDay, 0, len(days))}
	for _, d := range days {
		yd := YamlDay{Day: d.Day, Segments: make([]YamlSegment, 0, len(d.Segments))}
		for _, s := range d.Segments {
			ys := YamlSegment{Name: s.Segment, Lines: make([]YamlLine, 0, len(s.Dialogue))}
			for _, e := range s.Dialogue {
				line := YamlLine{ID: e.ID, Speaker: e.Speaker, Dialogue: e.Dialogue}
				if opts.WithTranslations {
					line.Translation = e.DialogueTranslation
				}
				if opts.WithMotivations {
					line.Motivation = e.Motivation
				}
				ys.Lines = append(ys.Lines, line)
			}
			yd.Segments = append(yd.Segments, ys)
		}
		doc.Days = append(doc.Days, yd)
	}

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return "", fmt.Errorf("marshal history yaml: %w", err)
	}
	return string(data), nil
}
