package registry

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRemote resolves digests from a tag map and records retags.
type fakeRemote struct {
	digests map[string]string
	tagErr  error
	tagged  []string
}

func (f *fakeRemote) Digest(ctx context.Context, ref string) (string, error) {
	d, ok := f.digests[ref]
	if !ok {
		return "", &transport.Error{StatusCode: http.StatusNotFound}
	}
	return d, nil
}

func (f *fakeRemote) Tag(ctx context.Context, ref, tag string) error {
	if f.tagErr != nil {
		return f.tagErr
	}
	f.tagged = append(f.tagged, tag)
	f.digests["registry.local/app:"+tag] = f.digests[ref]
	return nil
}

func TestPublishPinsAlias(t *testing.T) {
	remote := &fakeRemote{digests: map[string]string{
		"registry.local/app:42": "sha256:abc",
	}}
	p := NewPublisher(remote, "registry.local/app", "latest")

	art, err := p.Publish(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, "registry.local/app:42", art.Ref())
	assert.Equal(t, "registry.local/app:latest", art.AliasRef())
	assert.Equal(t, "sha256:abc", art.Digest)
	assert.Equal(t, []string{"latest"}, remote.tagged)
}

func TestPublishMissingBuildTag(t *testing.T) {
	remote := &fakeRemote{digests: map[string]string{}}
	p := NewPublisher(remote, "registry.local/app", "latest")

	_, err := p.Publish(context.Background(), "42")
	require.Error(t, err)
	assert.False(t, IsAuthError(err))
}

func TestPublishDetectsConcurrentAliasMove(t *testing.T) {
	// The retag is accepted but another writer moves latest before the
	// verify read: the stale digest must be reported.
	remote := &mismatchRemote{fakeRemote: &fakeRemote{digests: map[string]string{
		"registry.local/app:42":     "sha256:abc",
		"registry.local/app:latest": "sha256:other",
	}}}
	p := NewPublisher(remote, "registry.local/app", "latest")

	_, err := p.Publish(context.Background(), "42")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected sha256:abc")
}

// mismatchRemote accepts the retag without moving the alias.
type mismatchRemote struct {
	*fakeRemote
}

func (m *mismatchRemote) Tag(ctx context.Context, ref, tag string) error { return nil }

func TestDefaultAlias(t *testing.T) {
	p := NewPublisher(&fakeRemote{}, "registry.local/app", "")
	assert.Equal(t, "latest", p.alias)
}

func TestIsAuthError(t *testing.T) {
	assert.True(t, IsAuthError(&transport.Error{StatusCode: http.StatusUnauthorized}))
	assert.True(t, IsAuthError(&transport.Error{StatusCode: http.StatusForbidden}))
	assert.True(t, IsAuthError(&transport.Error{
		StatusCode: http.StatusBadRequest,
		Errors:     []transport.Diagnostic{{Code: transport.DeniedErrorCode}},
	}))
	assert.False(t, IsAuthError(&transport.Error{StatusCode: http.StatusNotFound}))
	assert.False(t, IsAuthError(errors.New("plain")))

	// Wrapped transport errors are still recognized.
	wrapped := errorsJoin(&transport.Error{StatusCode: http.StatusUnauthorized})
	assert.True(t, IsAuthError(wrapped))
}

func errorsJoin(err error) error {
	return &wrappedErr{err}
}

type wrappedErr struct{ err error }

func (w *wrappedErr) Error() string { return "publish: " + w.err.Error() }
func (w *wrappedErr) Unwrap() error { return w.err }
