// Package nudge turns the request shapes game servers and admin tools have
// used over the years into one commloop message.
package nudge

import (
	"encoding/json"

	"github.com/Bldg-7/webmommi/internal/commloop"
)

const (
	CategoryAdminHelp    = "adminhelp"
	CategoryServerStatus = "server_status"
	CategoryGameNudge    = "gamenudge"
	CategorySS14         = "ss14"
	CategoryGitHubEvent  = "github_event"
)

// Payload is the content of every nudge. The backend reads the secret as "pass".
type Payload struct {
	Secret  string `json:"pass"`
	Content string `json:"content"`
	Ping    bool   `json:"ping"`
}

// Request is one of LegacyRequest, ModernRequest, PostRequest or RawRequest.
type Request interface {
	isRequest()
}

// LegacyRequest is the oldest form: an admin flag picks the channel.
type LegacyRequest struct {
	Admin   *bool
	Secret  string
	Content string
	Ping    *bool
}

// ModernRequest names its category and subtopic explicitly.
type ModernRequest struct {
	Category string
	Subtopic string
	Secret   string
	Content  string
	Ping     *bool
}

// PostRequest carries a JSON body; Category is fixed by the route and
// Subtopic comes from the URL.
type PostRequest struct {
	Category string
	Subtopic string
	Secret   string
	Content  string
	Ping     *bool
}

// RawRequest forwards an arbitrary JSON body untouched.
type RawRequest struct {
	Category string
	Subtopic string
	Body     json.RawMessage
}

func (LegacyRequest) isRequest() {}
func (ModernRequest) isRequest() {}
func (PostRequest) isRequest()   {}
func (RawRequest) isRequest()    {}

// Normalize maps req to the canonical message. An absent ping means false.
func Normalize(req Request) commloop.Message {
	switch r := req.(type) {
	case LegacyRequest:
		category := CategoryServerStatus
		if r.Admin != nil && *r.Admin {
			category = CategoryAdminHelp
		}
		return commloop.Message{
			Category: category,
			Subtopic: category,
			Payload:  Payload{Secret: r.Secret, Content: r.Content, Ping: flag(r.Ping)},
		}
	case ModernRequest:
		return commloop.Message{
			Category: r.Category,
			Subtopic: r.Subtopic,
			Payload:  Payload{Secret: r.Secret, Content: r.Content, Ping: flag(r.Ping)},
		}
	case PostRequest:
		return commloop.Message{
			Category: r.Category,
			Subtopic: r.Subtopic,
			Payload:  Payload{Secret: r.Secret, Content: r.Content, Ping: flag(r.Ping)},
		}
	case RawRequest:
		return commloop.Message{
			Category: r.Category,
			Subtopic: r.Subtopic,
			Payload:  r.Body,
		}
	default:
		return commloop.Message{}
	}
}

func flag(b *bool) bool {
	return b != nil && *b
}

// Bool returns a pointer to b, for building requests.
func Bool(b bool) *bool {
	return &b
}
