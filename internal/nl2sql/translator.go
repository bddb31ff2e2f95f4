// Package nl2sql is the boundary to the generative model. The rest of the
// service treats the model's answer as opaque text: section extraction,
// validation, and execution all happen on the caller's side of this
// interface.
package nl2sql

import "context"

type Request struct {
	TenantID string `json:"tenant_id"`
	Question string `json:"question"`
	// Schema is the prompt-ready rendering of the tenant's table layout.
	Schema string `json:"schema"`
}

type Result struct {
	// Answer is the model's full response text, labels included.
	Answer   string `json:"answer"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

type Translator interface {
	// Translate returns the complete answer in one piece.
	Translate(ctx context.Context, req Request) (Result, error)

	// TranslateStream delivers the answer as ordered fragments. A non-nil
	// error from onFragment aborts the stream and is returned unchanged.
	TranslateStream(ctx context.Context, req Request, onFragment func(fragment string) error) error
}
