package domain

// Part is one text fragment of a gateway content block.
type Part struct {
	Text string `json:"text"`
}

// Content is the wire shape the model gateway consumes: an ordered turn
// with the Generative Language API's role/parts layout.
type Content struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// NewContent builds a single-part content block for a turn.
func NewContent(role Role, text string) Content {
	return Content{Role: string(role), Parts: []Part{{Text: text}}}
}
