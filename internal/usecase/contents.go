package usecase

import (
	"strings"

	"chat-proxy/internal/domain"
)

// buildContents flattens the stored history plus the new user turn into the
// ordered content list the gateway consumes. Turns with blank text are
// dropped rather than sent as empty parts.
func buildContents(history []domain.Message, message string) []domain.Content {
	contents := make([]domain.Content, 0, len(history)+1)
	for _, m := range history {
		if strings.TrimSpace(m.Text) == "" {
			continue
		}
		contents = append(contents, domain.NewContent(m.Role, m.Text))
	}
	contents = append(contents, domain.NewContent(domain.RoleUser, message))
	return contents
}
