package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/crane"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/sirupsen/logrus"
)

// Artifact is the pair of references produced by a publish: the
// build-unique tag and the floating alias, both resolving to the same
// manifest digest.
type Artifact struct {
	Repository string `json:"repository"`
	Tag        string `json:"tag"`
	AliasTag   string `json:"alias_tag"`
	Digest     string `json:"digest"`
}

func (a Artifact) Ref() string      { return a.Repository + ":" + a.Tag }
func (a Artifact) AliasRef() string { return a.Repository + ":" + a.AliasTag }

// Remote is the registry surface the publisher needs. It is an
// interface so we can wrap it in instrumentation, write fake
// implementations, and so on.
type Remote interface {
	Digest(ctx context.Context, ref string) (string, error)
	Tag(ctx context.Context, ref, tag string) error
}

type craneRemote struct {
	opts []crane.Option
}

// NewRemote returns a Remote backed by the registry API, using the
// ambient docker keychain for credentials.
func NewRemote() Remote {
	return &craneRemote{opts: []crane.Option{crane.WithAuthFromKeychain(authn.DefaultKeychain)}}
}

func (r *craneRemote) Digest(ctx context.Context, ref string) (string, error) {
	return crane.Digest(ref, append(r.opts, crane.WithContext(ctx))...)
}

func (r *craneRemote) Tag(ctx context.Context, ref, tag string) error {
	return crane.Tag(ref, tag, append(r.opts, crane.WithContext(ctx))...)
}

// Publisher pins the floating alias tag ("latest") to the image that
// carries the build-unique tag. Image construction happens upstream;
// the unique tag must already exist in the repository.
type Publisher struct {
	remote Remote
	repo   string
	alias  string
}

func NewPublisher(remote Remote, repo, alias string) *Publisher {
	if alias == "" {
		alias = "latest"
	}
	return &Publisher{remote: remote, repo: repo, alias: alias}
}

// Publish retags the alias onto the build tag's image and verifies
// both tags resolve to one digest afterwards.
func (p *Publisher) Publish(ctx context.Context, buildID string) (Artifact, error) {
	art := Artifact{Repository: p.repo, Tag: buildID, AliasTag: p.alias}

	digest, err := p.remote.Digest(ctx, art.Ref())
	if err != nil {
		return art, fmt.Errorf("resolving %s: %w", art.Ref(), err)
	}
	art.Digest = digest

	if err := p.remote.Tag(ctx, art.Ref(), p.alias); err != nil {
		return art, fmt.Errorf("tagging %s as %s: %w", art.Ref(), p.alias, err)
	}

	aliasDigest, err := p.remote.Digest(ctx, art.AliasRef())
	if err != nil {
		return art, fmt.Errorf("resolving %s after retag: %w", art.AliasRef(), err)
	}
	if aliasDigest != digest {
		// "latest" is mutable; someone else moved it between our
		// write and the verify read.
		return art, fmt.Errorf("tag %s resolves to %s, expected %s", art.AliasRef(), aliasDigest, digest)
	}

	logrus.Infof("published %s (%s -> %s) at %s", p.repo, buildID, p.alias, digest)
	return art, nil
}

// IsAuthError reports whether err came back from the registry as an
// authentication or authorization rejection.
func IsAuthError(err error) bool {
	var terr *transport.Error
	if !errors.As(err, &terr) {
		return false
	}
	if terr.StatusCode == http.StatusUnauthorized || terr.StatusCode == http.StatusForbidden {
		return true
	}
	for _, diag := range terr.Errors {
		switch diag.Code {
		case transport.UnauthorizedErrorCode, transport.DeniedErrorCode:
			return true
		}
	}
	return false
}
