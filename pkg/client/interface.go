package client

import (
	"context"
)

// VisionClient is a chat-style vision model backend. Images are passed as
// base64-encoded JPEG or PNG.
type VisionClient interface {
	// SimpleQuery returns the model's free-form answer
	SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error)
	// QueryJSON asks the backend to constrain the answer to a JSON object
	QueryJSON(ctx context.Context, model, prompt, imgB64 string) (string, error)
}
