// Package gitproto implements the git-protocol-v2 client and upload-pack
// server tunnelled over a driftwood transport stream (spec.md §4.2, §4.3),
// built on go-git's object storage and packfile encoding rather than
// shelling out to a git binary.
package gitproto

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/packfile"

	"driftwood/internal/gitstore"
	"driftwood/internal/wire"
)

// Agent is the client's protocol-v2 agent string, sent during handshake.
// spec.md §4.2 prefers the locally detected git version with this as a
// compiled fallback.
const Agent = "git/driftwood"

// RefAt is one reference advertised by the remote during ls-refs.
type RefAt struct {
	Name plumbing.ReferenceName
	Hash plumbing.Hash
}

// FetchResult summarizes a completed fetch: the applied ref updates, the
// namespaces fetched and the received pack's hash. It carries no canonical
// ref updates and no identity document, and Fetch itself returns only the
// pack hash.
type FetchResult struct {
	UpdatedRefs       gitstore.Applied
	FetchedNamespaces []string
	PackHash          plumbing.Hash
}

// Handshake exchanges protocol-v2 capability lines. Returns the remote's
// agent string.
func Handshake(rw io.ReadWriter) (string, error) {
	req := map[string]string{"version": "2", "agent": Agent}
	if err := wire.WriteFrame(rw, encodeCapabilities(req)); err != nil {
		return "", fmt.Errorf("gitproto: send handshake: %w", err)
	}
	body, err := wire.ReadFrame(rw)
	if err != nil {
		return "", fmt.Errorf("gitproto: read handshake response: %w", err)
	}
	caps := decodeCapabilities(body)
	return caps["agent"], nil
}

// WriteHeader sends the repository and requesting-identity header a Server
// expects at the start of a stream, then waits for the authorization ack
// (an empty frame on success, a non-empty error message on rejection).
func WriteHeader(rw io.ReadWriter, rid, remote string) error {
	w := wire.NewWriter()
	w.PutString(rid)
	w.PutString(remote)
	if err := wire.WriteFrame(rw, w.Bytes()); err != nil {
		return fmt.Errorf("gitproto: send header: %w", err)
	}
	ack, err := wire.ReadFrame(rw)
	if err != nil {
		return fmt.Errorf("gitproto: read authorization ack: %w", err)
	}
	if len(ack) > 0 {
		return fmt.Errorf("gitproto: server rejected request: %s", string(ack))
	}
	return nil
}

// LsRefs requests the reference advertisement for the given sorted,
// deduplicated prefixes (spec.md §4.2 step 2).
func LsRefs(rw io.ReadWriter, prefixes []string) ([]RefAt, error) {
	prefixes = sortedUniquePrefixes(prefixes)

	w := wire.NewWriter()
	w.PutString("ls-refs")
	w.VarInt(uint64(len(prefixes)))
	for _, p := range prefixes {
		w.PutString(p)
	}
	if err := wire.WriteFrame(rw, w.Bytes()); err != nil {
		return nil, fmt.Errorf("gitproto: send ls-refs: %w", err)
	}

	body, err := wire.ReadFrame(rw)
	if err != nil {
		return nil, fmt.Errorf("gitproto: read ls-refs response: %w", err)
	}
	r := wire.NewReader(body)
	count := r.VarInt()
	refs := make([]RefAt, 0, count)
	for i := uint64(0); i < count && r.Err() == nil; i++ {
		name := r.String()
		hashBytes := r.Fixed(20)
		var hash plumbing.Hash
		copy(hash[:], hashBytes)
		refs = append(refs, RefAt{Name: plumbing.ReferenceName(name), Hash: hash})
	}
	if r.Err() != nil {
		return nil, fmt.Errorf("gitproto: decode ls-refs response: %w", r.Err())
	}
	return refs, nil
}

// WantsHaves builds the want/have sets per spec.md §4.2 step 3: a ref whose
// tip is already resolved locally, or whose object already exists locally
// even without the ref, becomes a have; everything else becomes a want. A
// want is dropped whenever the same OID is also a have.
func WantsHaves(advertised []RefAt, repo *git.Repository) (wants, haves []plumbing.Hash) {
	wantSet := make(map[plumbing.Hash]bool)
	haveSet := make(map[plumbing.Hash]bool)

	for _, ad := range advertised {
		if localRef, err := repo.Reference(ad.Name, true); err == nil && localRef.Hash() == ad.Hash {
			haveSet[ad.Hash] = true
			continue
		}
		if _, err := repo.Object(plumbing.AnyObject, ad.Hash); err == nil {
			haveSet[ad.Hash] = true
			continue
		}
		wantSet[ad.Hash] = true
	}

	for h := range wantSet {
		if haveSet[h] {
			continue
		}
		wants = append(wants, h)
	}
	for h := range haveSet {
		haves = append(haves, h)
	}
	sortHashes(wants)
	sortHashes(haves)
	return wants, haves
}

// Fetch sends the computed want/have sets, receives a packfile, decodes it
// directly into repo's object storer, and verifies every wanted OID landed
// (spec.md §4.2 step 4).
func Fetch(rw io.ReadWriter, repo *git.Repository, wants, haves []plumbing.Hash) (plumbing.Hash, error) {
	w := wire.NewWriter()
	w.PutString("fetch")
	w.VarInt(uint64(len(wants)))
	for _, h := range wants {
		w.PutFixed(h[:])
	}
	w.VarInt(uint64(len(haves)))
	for _, h := range haves {
		w.PutFixed(h[:])
	}
	if err := wire.WriteFrame(rw, w.Bytes()); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("gitproto: send fetch request: %w", err)
	}

	packBody, err := wire.ReadFrame(rw)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("gitproto: read packfile: %w", err)
	}

	scanner := packfile.NewScanner(bytes.NewReader(packBody))
	decoder, err := packfile.NewDecoder(scanner, repo.Storer)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("gitproto: create pack decoder: %w", err)
	}
	packHash, err := decoder.Decode()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("gitproto: decode packfile: %w", err)
	}

	for _, want := range wants {
		if _, err := repo.Object(plumbing.AnyObject, want); err != nil {
			return plumbing.ZeroHash, &NotFoundError{OID: want}
		}
	}

	return packHash, nil
}

// NotFoundError reports that a wanted object was absent from the received
// pack, per spec.md §4.2 step 4.
type NotFoundError struct{ OID plumbing.Hash }

func (e *NotFoundError) Error() string { return fmt.Sprintf("gitproto: wanted object %s not found in pack", e.OID) }

// GC prunes loose unreachable objects older than expiry. Fetch does not
// call it, and no fetch path in this module runs it after a fetch.
func GC(repo *git.Repository, expiry time.Duration) error {
	opts := git.PruneOptions{OnlyObjectsOlderThan: time.Now().Add(-expiry)}
	if err := repo.Prune(opts); err != nil {
		return fmt.Errorf("gitproto: gc: %w", err)
	}
	return nil
}

func sortedUniquePrefixes(prefixes []string) []string {
	seen := make(map[string]bool, len(prefixes))
	out := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func sortHashes(hs []plumbing.Hash) {
	sort.Slice(hs, func(i, j int) bool {
		return hs[i].String() < hs[j].String()
	})
}

func encodeCapabilities(caps map[string]string) []byte {
	w := wire.NewWriter()
	w.VarInt(uint64(len(caps)))
	keys := make([]string, 0, len(caps))
	for k := range caps {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		w.PutString(k)
		w.PutString(caps[k])
	}
	return w.Bytes()
}

func decodeCapabilities(body []byte) map[string]string {
	r := wire.NewReader(body)
	count := r.VarInt()
	out := make(map[string]string, count)
	for i := uint64(0); i < count && r.Err() == nil; i++ {
		k := r.String()
		v := r.String()
		out[k] = v
	}
	return out
}
