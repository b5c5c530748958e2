// Package opclient defines the interface-level OpenProject HTTP client.
// Per spec.md §1, this client is specified at the interface level only;
// its wire format (OpenProject's HAL+JSON REST API) is external, and
// it is used for read-only verification and the few mutations that do
// have a safe REST path (avatar upload), never for the bulk writes
// that go through the remote-execution stack.
package opclient

import (
	"context"
)

// WorkPackage is the subset of an OpenProject work package this engine
// reads back to verify a Load step.
type WorkPackage struct {
	ID        int
	ProjectID int
	Subject   string
	StatusID  int
	UpdatedAt string
}

// Client is the interface every verification step and avatar upload
// depends on.
type Client interface {
	GetWorkPackage(ctx context.Context, id int) (*WorkPackage, error)
	GetUserByLogin(ctx context.Context, login string) (id int, found bool, err error)
	UploadAvatar(ctx context.Context, userID int, imageData []byte, filename string) error
	Ping(ctx context.Context) error
}

// VerifyError reports a failure building, sending, reading or decoding
// a REST request (a read-back or an avatar upload).
type VerifyError struct {
	Op  string
	Err error
}

func (e *VerifyError) Error() string { return "opclient: " + e.Op + ": " + e.Err.Error() }
func (e *VerifyError) Unwrap() error { return e.Err }
