// Forge server: Git Smart HTTP using go-git's server transport
// Copyright Alistair Cunningham 2025

package main

import (
	"context"
	"fmt"
	"io"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/plumbing/protocol/packp"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/server"
	"github.com/go-git/go-git/v5/storage/filesystem"
)

// git_loader implements server.Loader, loading repository storage from filesystem paths
type git_loader struct{}

// git_storage hides the PackfileWriter interface of the filesystem storage. Without it,
// packfile.UpdateObjectStorage copies packs raw and can't resolve thin pack deltas whose
// base objects aren't in the pack; the wrapper forces the parser, which looks bases up in the storer.
type git_storage struct {
	storer.Storer
}

type git_protocol_internal struct {
	server transport.Transport
}

func (l *git_loader) Load(ep *transport.Endpoint) (storer.Storer, error) {
	fs := osfs.New(ep.Path)
	if _, err := fs.Stat("HEAD"); err != nil {
		return nil, transport.ErrRepositoryNotFound
	}
	return &git_storage{filesystem.NewStorage(fs, cache.NewObjectLRUDefault())}, nil
}

func git_protocol_internal_new() *git_protocol_internal {
	return &git_protocol_internal{server: server.NewServer(&git_loader{})}
}

func (g *git_protocol_internal) advertise(ctx context.Context, path string, service string, w io.Writer) error {
	ep := &transport.Endpoint{Path: path}

	var refs *packp.AdvRefs
	switch service {
	case service_upload_pack:
		session, err := g.server.NewUploadPackSession(ep, nil)
		if err != nil {
			return fmt.Errorf("%w: %v", error_corrupt_repository, err)
		}
		defer session.Close()
		refs, err = session.AdvertisedReferencesContext(ctx)
		if err != nil {
			return err
		}

	case service_receive_pack:
		session, err := g.server.NewReceivePackSession(ep, nil)
		if err != nil {
			return fmt.Errorf("%w: %v", error_corrupt_repository, err)
		}
		defer session.Close()
		refs, err = session.AdvertisedReferencesContext(ctx)
		if err != nil {
			return err
		}

	default:
		return fmt.Errorf("%w: %q", error_unknown_service, service)
	}

	return refs.Encode(w)
}

func (g *git_protocol_internal) upload_pack(ctx context.Context, path string, body io.Reader, w io.Writer) error {
	session, err := g.server.NewUploadPackSession(&transport.Endpoint{Path: path}, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", error_corrupt_repository, err)
	}
	defer session.Close()

	req := packp.NewUploadPackRequest()
	err = req.Decode(body)
	if err != nil {
		return fmt.Errorf("unable to decode upload-pack request: %w", err)
	}

	resp, err := session.UploadPack(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Close()
	return resp.Encode(w)
}

func (g *git_protocol_internal) receive_pack(ctx context.Context, path string, body io.Reader, w io.Writer) error {
	session, err := g.server.NewReceivePackSession(&transport.Endpoint{Path: path}, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", error_corrupt_repository, err)
	}
	defer session.Close()

	req := packp.NewReferenceUpdateRequest()
	err = req.Decode(body)
	if err != nil {
		return fmt.Errorf("unable to decode receive-pack request: %w", err)
	}

	// The report status goes back to the client even on failure, as the protocol requires
	status, err := session.ReceivePack(ctx, req)
	if status != nil {
		if eerr := status.Encode(w); eerr != nil && err == nil {
			err = eerr
		}
	}
	return err
}
