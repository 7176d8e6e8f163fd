package gitproto

import (
	"bytes"
	"fmt"
	"io"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/packfile"
	"github.com/sirupsen/logrus"

	"driftwood/internal/doc"
	"driftwood/internal/identity"
	"driftwood/internal/ridpkg"
	"driftwood/internal/wire"
)

var log = logrus.WithField("subsystem", "gitproto")

// UnauthorizedError reports that the remote may not fetch the requested
// repository, per spec.md §4.3's authorization gate.
type UnauthorizedError struct {
	RID    ridpkg.RID
	Remote identity.NID
	Reason string
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("gitproto: %s unauthorized for %s: %s", e.Remote, e.RID, e.Reason)
}

// SeedPolicyLookup resolves the local seed decision for a RID.
type SeedPolicyLookup func(rid ridpkg.RID) (blocked bool, err error)

// IdentityDocLookup resolves the current identity document for a RID.
type IdentityDocLookup func(rid ridpkg.RID) (*doc.Doc, error)

// RepositoryOpener opens a repository's bare Git directory for reading.
type RepositoryOpener func(rid ridpkg.RID) (*git.Repository, error)

// Server answers upload-pack requests for locally stored repositories,
// gating every request through seed policy and document visibility before
// touching Git storage (spec.md §4.3).
type Server struct {
	Policy SeedPolicyLookup
	Doc    IdentityDocLookup
	Open   RepositoryOpener
}

// Progress reports upload-pack progress on a side channel for
// observability (spec.md §4.3 "Emit progress events").
type Progress func(event string, detail map[string]any)

// Header is the small packet identifying the requested repository, read
// before any Git work begins.
type Header struct {
	RID    string
	Remote string // requesting NID as claimed by the client; advisory only, never trusted for authorization
}

// Serve runs the upload-pack protocol for a single accepted stream: reads
// the header, authorizes, then handles ls-refs/fetch requests in a loop
// until the remote sends EOF. remote is the transport-authenticated peer
// identity (e.g. from transport.NIDFromPeerID on the stream's connection),
// never the client-supplied header field; authorization must not trust a
// self-reported identity (spec.md §4.3).
func (s *Server) Serve(rw io.ReadWriter, remote identity.NID, progress Progress) error {
	if progress == nil {
		progress = func(string, map[string]any) {}
	}

	headerBody, err := wire.ReadFrame(rw)
	if err != nil {
		return fmt.Errorf("gitproto: read header: %w", err)
	}
	hr := wire.NewReader(headerBody)
	hdr := Header{RID: hr.String(), Remote: hr.String()}
	if hr.Err() != nil {
		return fmt.Errorf("gitproto: decode header: %w", hr.Err())
	}
	if hdr.Remote != "" && hdr.Remote != remote.String() {
		log.WithField("claimed", hdr.Remote).WithField("authenticated", remote.String()).
			Warn("gitproto: header remote NID does not match authenticated peer, ignoring claim")
	}

	rid, err := ridpkg.Parse(hdr.RID)
	if err != nil {
		return fmt.Errorf("gitproto: invalid rid in header: %w", err)
	}

	if err := s.authorize(rid, remote); err != nil {
		progress("unauthorized", map[string]any{"rid": hdr.RID})
		_ = wire.WriteFrame(rw, []byte(err.Error()))
		return err
	}

	repo, err := s.Open(rid)
	if err != nil {
		_ = wire.WriteFrame(rw, []byte(err.Error()))
		return fmt.Errorf("gitproto: open repository %s: %w", rid, err)
	}

	if err := wire.WriteFrame(rw, nil); err != nil {
		return fmt.Errorf("gitproto: send authorization ack: %w", err)
	}

	progress("serving", map[string]any{"rid": hdr.RID})
	return s.serveCommands(rw, repo, progress)
}

func (s *Server) authorize(rid ridpkg.RID, remote identity.NID) error {
	if s.Policy != nil {
		blocked, err := s.Policy(rid)
		if err != nil {
			return fmt.Errorf("gitproto: check seed policy: %w", err)
		}
		if blocked {
			return &UnauthorizedError{RID: rid, Remote: remote, Reason: "seed policy blocks this repository"}
		}
	}
	if s.Doc != nil {
		d, err := s.Doc(rid)
		if err != nil {
			return fmt.Errorf("gitproto: load identity document: %w", err)
		}
		if d != nil && d.Payload.Visibility == doc.VisibilityPrivate && !d.Payload.IsAllowed(remote.DID()) {
			return &UnauthorizedError{RID: rid, Remote: remote, Reason: "repository is private"}
		}
	}
	return nil
}

func (s *Server) serveCommands(rw io.ReadWriter, repo *git.Repository, progress Progress) error {
	for {
		body, err := wire.ReadFrame(rw)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("gitproto: read command: %w", err)
		}
		r := wire.NewReader(body)
		command := r.String()

		switch command {
		case "ls-refs":
			if err := s.handleLsRefs(rw, repo, r); err != nil {
				return err
			}
		case "fetch":
			if err := s.handleFetch(rw, repo, r, progress); err != nil {
				return err
			}
		default:
			return fmt.Errorf("gitproto: unknown command %q", command)
		}
	}
}

func (s *Server) handleLsRefs(rw io.ReadWriter, repo *git.Repository, r *wire.Reader) error {
	count := r.VarInt()
	prefixes := make([]string, 0, count)
	for i := uint64(0); i < count && r.Err() == nil; i++ {
		prefixes = append(prefixes, r.String())
	}
	if r.Err() != nil {
		return fmt.Errorf("gitproto: decode ls-refs prefixes: %w", r.Err())
	}

	refsIter, err := repo.References()
	if err != nil {
		return fmt.Errorf("gitproto: list references: %w", err)
	}
	var matched []RefAt
	err = refsIter.ForEach(func(ref *plumbing.Reference) error {
		if ref.Type() != plumbing.HashReference {
			return nil
		}
		name := ref.Name().String()
		for _, p := range prefixes {
			if len(name) >= len(p) && name[:len(p)] == p {
				matched = append(matched, RefAt{Name: ref.Name(), Hash: ref.Hash()})
				break
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("gitproto: enumerate references: %w", err)
	}

	w := wire.NewWriter()
	w.VarInt(uint64(len(matched)))
	for _, m := range matched {
		w.PutString(m.Name.String())
		w.PutFixed(m.Hash[:])
	}
	return wire.WriteFrame(rw, w.Bytes())
}

func (s *Server) handleFetch(rw io.ReadWriter, repo *git.Repository, r *wire.Reader, progress Progress) error {
	wantCount := r.VarInt()
	wants := make([]plumbing.Hash, 0, wantCount)
	for i := uint64(0); i < wantCount && r.Err() == nil; i++ {
		var h plumbing.Hash
		copy(h[:], r.Fixed(20))
		wants = append(wants, h)
	}
	haveCount := r.VarInt()
	haves := make([]plumbing.Hash, 0, haveCount)
	for i := uint64(0); i < haveCount && r.Err() == nil; i++ {
		var h plumbing.Hash
		copy(h[:], r.Fixed(20))
		haves = append(haves, h)
	}
	if r.Err() != nil {
		return fmt.Errorf("gitproto: decode fetch wants/haves: %w", r.Err())
	}

	var buf bytes.Buffer
	encoder := packfile.NewEncoder(&buf, repo.Storer, false)
	if _, err := encoder.Encode(wants, 10); err != nil {
		return fmt.Errorf("gitproto: encode packfile: %w", err)
	}

	progress("packed", map[string]any{"wants": len(wants), "haves": len(haves), "bytes": buf.Len()})
	return wire.WriteFrame(rw, buf.Bytes())
}
