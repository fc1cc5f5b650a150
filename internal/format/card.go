package format

import (
	"encoding/json"
	"strings"

	"github.com/mattn/go-runewidth"
)

// Card is an interactive message: a header and ordered markdown blocks.
// Its JSON form follows the common bot-platform card layout.
type Card struct {
	Config   CardConfig    `json:"config"`
	Header   CardHeader    `json:"header"`
	Elements []CardElement `json:"elements"`
}

type CardConfig struct {
	WideScreenMode bool `json:"wide_screen_mode"`
}

type CardHeader struct {
	Title    CardText `json:"title"`
	Template string   `json:"template,omitempty"`
}

type CardText struct {
	Tag     string `json:"tag"`
	Content string `json:"content"`
}

// CardElement is a markdown block, a divider ("hr") or a footnote ("note").
type CardElement struct {
	Tag      string     `json:"tag"`
	Content  string     `json:"content,omitempty"`
	Elements []CardText `json:"elements,omitempty"`
}

// Header colors.
const (
	TemplateGreen  = "green"
	TemplateRed    = "red"
	TemplateGrey   = "grey"
	TemplateBlue   = "blue"
	cardTitleWidth = 60
)

// NewCard creates a card with a plain-text title truncated to fit the header.
func NewCard(title, template string) *Card {
	return &Card{
		Config: CardConfig{WideScreenMode: true},
		Header: CardHeader{
			Title:    CardText{Tag: "plain_text", Content: runewidth.Truncate(title, cardTitleWidth, "…")},
			Template: template,
		},
	}
}

// Markdown appends a markdown block. Blank content is skipped.
func (c *Card) Markdown(content string) *Card {
	if strings.TrimSpace(content) == "" {
		return c
	}
	c.Elements = append(c.Elements, CardElement{Tag: "markdown", Content: content})
	return c
}

// Divider appends a horizontal rule.
func (c *Card) Divider() *Card {
	c.Elements = append(c.Elements, CardElement{Tag: "hr"})
	return c
}

// Note appends a footnote line.
func (c *Card) Note(text string) *Card {
	if text == "" {
		return c
	}
	c.Elements = append(c.Elements, CardElement{
		Tag:      "note",
		Elements: []CardText{{Tag: "plain_text", Content: text}},
	})
	return c
}

// JSON encodes the card.
func (c *Card) JSON() (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// PlainText renders the card as text for platforms or failures where cards
// cannot be sent.
func (c *Card) PlainText() string {
	parts := []string{c.Header.Title.Content}
	for _, el := range c.Elements {
		switch el.Tag {
		case "markdown":
			parts = append(parts, el.Content)
		case "note":
			for _, t := range el.Elements {
				parts = append(parts, t.Content)
			}
		}
	}
	return strings.Join(parts, "\n\n")
}
