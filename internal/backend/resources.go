package backend

import (
	"context"
	"errors"
	"net/http"

	"github.com/MrWong99/tutorchat/internal/protocol"
)

// Resource is study material handed to the backend for indexing.
type Resource struct {
	Title      string `json:"title"`
	Content    string `json:"content"`
	Subject    string `json:"subject,omitempty"`
	GradeLevel int    `json:"grade_level,omitempty"`
}

// ResourceResult is the backend's acknowledgement of an upload.
type ResourceResult struct {
	ID      protocol.ID `json:"id"`
	Message string      `json:"message"`
}

// ErrEmptyResource is returned by [Client.AddResource] for a resource
// without a title.
var ErrEmptyResource = errors.New("backend: resource needs a title")

// AddResource uploads r for indexing.
func (c *Client) AddResource(ctx context.Context, r Resource) (ResourceResult, error) {
	if r.Title == "" {
		return ResourceResult{}, ErrEmptyResource
	}
	var out ResourceResult
	if err := c.do(ctx, http.MethodPost, "resources.add", "resources/add/", r, &out); err != nil {
		return ResourceResult{}, err
	}
	return out, nil
}
